package blobstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Pindano/chamagov/core/types"
	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
	"github.com/sirupsen/logrus"
)

// Store is the content-addressed metadata store.
type Store interface {
	// Put stores the JSON encoding of payload and returns its content id.
	Put(ctx context.Context, payload any) (string, error)
	// Get fetches the blob named by cid and decodes it into out.
	Get(ctx context.Context, cid string, out any) error
}

// Canonicalize returns the RFC 8785 encoding of payload, so equal payloads
// always produce equal blobs and content ids.
func Canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

type Config struct {
	// APIURL is the IPFS HTTP API root, e.g. http://127.0.0.1:5001.
	APIURL string
	// GatewayURL serves blobs at {gateway}/{cid}.
	GatewayURL string
	Timeout    time.Duration
	Attempts   uint
}

// HTTPStore talks to an IPFS node: POST /api/v0/add to put, and a gateway
// URL template to get.
type HTTPStore struct {
	cfg    Config
	client *http.Client
	logger logrus.FieldLogger
}

func NewHTTPStore(cfg Config, logger logrus.FieldLogger) *HTTPStore {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	return &HTTPStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func (s *HTTPStore) Put(ctx context.Context, payload any) (string, error) {
	data, err := Canonicalize(payload)
	if err != nil {
		return "", types.NewError(types.KindValidation, "blob put", err)
	}

	var cid string
	action := func(attempt uint) error {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		part, err := mw.CreateFormFile("file", "metadata.json")
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
		if err := mw.Close(); err != nil {
			return err
		}

		url := strings.TrimRight(s.cfg.APIURL, "/") + "/api/v0/add?pin=true&cid-version=1"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("blob add status code: %v", resp.StatusCode)
		}
		var out addResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		if out.Hash == "" {
			return errors.New("blob add returned empty hash")
		}
		cid = out.Hash
		return nil
	}

	if err := s.retry(ctx, action); err != nil {
		return "", types.NewError(types.KindBlobStore, "blob put", err)
	}
	s.logger.WithField("cid", cid).Debug("stored blob")
	return cid, nil
}

// URL returns the gateway URL of cid.
func (s *HTTPStore) URL(cid string) string {
	return strings.TrimRight(s.cfg.GatewayURL, "/") + "/" + cid
}

func (s *HTTPStore) Get(ctx context.Context, cid string, out any) error {
	var raw []byte
	action := func(attempt uint) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(cid), nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("blob get status code: %v", resp.StatusCode)
		}
		raw, err = io.ReadAll(resp.Body)
		return err
	}

	if err := s.retry(ctx, action); err != nil {
		return types.NewError(types.KindBlobStore, "blob get", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return types.NewError(types.KindBlobStore, "blob get", fmt.Errorf("decode %s: %w", cid, err))
	}
	return nil
}

func (s *HTTPStore) retry(ctx context.Context, action retry.Action) error {
	ran := false
	err := retry.Retry(func(attempt uint) error {
		ran = true
		err := action(attempt)
		if err != nil {
			s.logger.Warnf("blob store attempt %d: %s", attempt, err)
		}
		return err
	},
		strategy.Limit(s.cfg.Attempts),
		func(uint) bool { return ctx.Err() == nil },
		strategy.Backoff(backoff.Fibonacci(500*time.Millisecond)),
	)
	if !ran {
		return ctx.Err()
	}
	return err
}

// MemoryStore keeps blobs in memory, addressed by the keccak256 of their
// canonical encoding.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	// FailPuts makes the next n Put calls fail.
	FailPuts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, payload any) (string, error) {
	data, err := Canonicalize(payload)
	if err != nil {
		return "", types.NewError(types.KindValidation, "blob put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts > 0 {
		m.FailPuts--
		return "", types.NewError(types.KindBlobStore, "blob put", errors.New("store unavailable"))
	}
	cid := "k" + hex.EncodeToString(crypto.Keccak256(data))
	m.blobs[cid] = data
	return cid, nil
}

func (m *MemoryStore) Get(ctx context.Context, cid string, out any) error {
	m.mu.RLock()
	data, ok := m.blobs[cid]
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.KindBlobStore, "blob get", fmt.Errorf("%s not found", cid))
	}
	return json.Unmarshal(data, out)
}
