// Package journal persists pending transaction handles and the event
// follower cursor in leveldb, so confirmation and reconciliation resume after
// a restart instead of resubmitting.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Pindano/chamagov/core/types"
	"github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/ethereum/go-ethereum/common"
)

const (
	txKeyPrefix      = "tx/"
	txIndexKey       = "txIndex"
	nextFromBlockKey = "nextFromBlock"
)

// Entry is a submitted transaction awaiting reconciliation.
type Entry struct {
	Hash        common.Hash      `json:"hash"`
	Kind        types.CallKind   `json:"kind"`
	Governor    common.Address   `json:"governor"`
	From        common.Address   `json:"from"`
	ProposalID  string           `json:"proposal_id"`
	MemberID    string           `json:"member_id,omitempty"`
	Choice      types.VoteChoice `json:"choice,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

type Journal struct {
	mu sync.Mutex
	db storage.Storage
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := leveldb.New(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db), nil
}

func New(db storage.Storage) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func txKey(hash common.Hash) []byte {
	return []byte(txKeyPrefix + hash.Hex())
}

func (j *Journal) index() ([]common.Hash, error) {
	data := j.db.Get([]byte(txIndexKey))
	if data == nil {
		return nil, nil
	}
	var hashes []common.Hash
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("decode journal index: %w", err)
	}
	return hashes, nil
}

func (j *Journal) setIndex(hashes []common.Hash) error {
	data, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	j.db.Put([]byte(txIndexKey), data)
	return nil
}

// Add records e. Adding the same hash again overwrites the entry.
func (j *Journal) Add(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	hashes, err := j.index()
	if err != nil {
		return err
	}
	if j.db.Get(txKey(e.Hash)) == nil {
		hashes = append(hashes, e.Hash)
	}
	j.db.Put(txKey(e.Hash), data)
	return j.setIndex(hashes)
}

func (j *Journal) Remove(hash common.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	hashes, err := j.index()
	if err != nil {
		return err
	}
	kept := hashes[:0]
	for _, h := range hashes {
		if h != hash {
			kept = append(kept, h)
		}
	}
	j.db.Delete(txKey(hash))
	return j.setIndex(kept)
}

// Pending returns all entries, oldest submission first.
func (j *Journal) Pending() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	hashes, err := j.index()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(hashes))
	for _, h := range hashes {
		data := j.db.Get(txKey(h))
		if data == nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", h.Hex(), err)
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].SubmittedAt.Before(entries[b].SubmittedAt)
	})
	return entries, nil
}

// NextFromBlock returns the follower cursor, or 0 if none was stored.
func (j *Journal) NextFromBlock() uint64 {
	data := j.db.Get([]byte(nextFromBlockKey))
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func (j *Journal) SetNextFromBlock(n uint64) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, n)
	j.db.Put([]byte(nextFromBlockKey), data)
}
