package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

type WatcherConfig struct {
	PollInterval time.Duration
	// Timeout bounds a single Wait; the transaction may still land later.
	Timeout time.Duration
	// RPCRate limits receipt polls per second across all waits.
	RPCRate  float64
	RPCBurst int
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 2 * time.Second,
		Timeout:      3 * time.Minute,
		RPCRate:      20,
		RPCBurst:     5,
	}
}

// Watcher polls for transaction receipts. A Wait suspends only the calling
// goroutine, so many transactions can be watched at once.
type Watcher struct {
	client  ReceiptReader
	cfg     WatcherConfig
	limiter *rate.Limiter
	logger  logrus.FieldLogger
	metrics *watcherMetrics
}

type watcherMetrics struct {
	outcomes *prometheus.CounterVec
	polls    prometheus.Counter
}

func NewWatcher(client ReceiptReader, cfg WatcherConfig, logger logrus.FieldLogger, reg prometheus.Registerer) *Watcher {
	limit := rate.Inf
	if cfg.RPCRate > 0 {
		limit = rate.Limit(cfg.RPCRate)
	}
	burst := cfg.RPCBurst
	if burst <= 0 {
		burst = 1
	}
	w := &Watcher{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	if reg != nil {
		w.initMetrics(reg)
	}
	return w
}

func (w *Watcher) initMetrics(reg prometheus.Registerer) {
	w.metrics = &watcherMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chamagov_receipt_waits_total",
			Help: "Receipt waits by outcome",
		}, []string{"outcome"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chamagov_receipt_polls_total",
			Help: "TransactionReceipt calls issued",
		}),
	}
	reg.MustRegister(w.metrics.outcomes, w.metrics.polls)
}

func (w *Watcher) observe(outcome string) {
	if w.metrics != nil {
		w.metrics.outcomes.WithLabelValues(outcome).Inc()
	}
}

// Wait blocks until hash is mined. A mined-but-failed transaction returns
// TransactionReverted; running out of time, or the caller abandoning the
// wait, returns ConfirmationTimeout and the hash must be re-polled later.
func (w *Watcher) Wait(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	waitCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := w.logger.WithField("tx", hash.Hex())
	for {
		if err := w.limiter.Wait(waitCtx); err != nil {
			return nil, w.timeout(ctx, hash, err)
		}
		if w.metrics != nil {
			w.metrics.polls.Inc()
		}
		receipt, err := w.client.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil:
			return w.settle(logger, hash, receipt)
		case errors.Is(err, ethereum.NotFound):
		case waitCtx.Err() != nil:
			return nil, w.timeout(ctx, hash, waitCtx.Err())
		default:
			logger.Warnf("poll receipt: %s", err)
		}

		select {
		case <-waitCtx.Done():
			return nil, w.timeout(ctx, hash, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Check polls hash once without waiting. A transaction not mined yet returns
// ConfirmationTimeout, same as an expired Wait.
func (w *Watcher) Check(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, w.timeout(ctx, hash, err)
	}
	if w.metrics != nil {
		w.metrics.polls.Inc()
	}
	receipt, err := w.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		return w.settle(w.logger.WithField("tx", hash.Hex()), hash, receipt)
	case errors.Is(err, ethereum.NotFound):
		return nil, types.NewTxError(types.KindConfirmationTimeout, "check receipt", hash.Hex(), errors.New("not mined yet"))
	default:
		return nil, fmt.Errorf("check receipt %s: %w", hash.Hex(), err)
	}
}

func (w *Watcher) settle(logger logrus.FieldLogger, hash common.Hash, receipt *ethtypes.Receipt) (*ethtypes.Receipt, error) {
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		w.observe("reverted")
		logger.WithField("block", receipt.BlockNumber).Warn("transaction reverted")
		return receipt, types.NewTxError(types.KindTransactionReverted, "wait receipt", hash.Hex(),
			fmt.Errorf("mined in block %v with failure status", receipt.BlockNumber))
	}
	w.observe("success")
	logger.WithField("block", receipt.BlockNumber).Debug("transaction mined")
	return receipt, nil
}

func (w *Watcher) timeout(parent context.Context, hash common.Hash, cause error) error {
	if parent.Err() != nil {
		w.observe("abandoned")
		cause = parent.Err()
	} else {
		w.observe("timeout")
	}
	return types.NewTxError(types.KindConfirmationTimeout, "wait receipt", hash.Hex(), cause)
}
