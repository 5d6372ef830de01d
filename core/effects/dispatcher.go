package effects

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Pindano/chamagov/core/blobstore"
	"github.com/Pindano/chamagov/core/intake"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/types"
	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Workers   int
	QueueSize int
	// RetryInterval is how often the backlog is rescanned.
	RetryInterval time.Duration
	// MaxAttempts caps automatic attempts per proposal; failed runs past it
	// wait for a manual retry.
	MaxAttempts int
	// Backoff is the first delay between attempts within one pass.
	Backoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     256,
		RetryInterval: 30 * time.Second,
		MaxAttempts:   10,
		Backoff:       time.Second,
	}
}

// Dispatcher runs the effects of executed proposals, exactly once each. The
// effect marker row written at reconciliation is the source of truth; the
// in-memory queue only speeds things up, and anything it drops is picked up
// by the backlog scan.
type Dispatcher struct {
	store    *mirror.Store
	blobs    blobstore.Store
	handlers Handlers
	cfg      Config
	logger   logrus.FieldLogger

	queue chan string
	wg    sync.WaitGroup

	runs    *prometheus.CounterVec
	backlog prometheus.Gauge
}

func New(store *mirror.Store, blobs blobstore.Store, handlers Handlers, cfg Config, logger logrus.FieldLogger, reg prometheus.Registerer) (*Dispatcher, error) {
	if err := handlers.check(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	d := &Dispatcher{
		store:    store,
		blobs:    blobs,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan string, cfg.QueueSize),
	}
	if reg != nil {
		d.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chamagov_effect_runs_total",
			Help: "Effect dispatches by proposal type and outcome",
		}, []string{"type", "outcome"})
		d.backlog = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chamagov_effects_backlog",
			Help: "Effect runs not yet done at the last backlog scan",
		})
		reg.MustRegister(d.runs, d.backlog)
	}
	return d, nil
}

// Enqueue schedules proposalID without blocking.
func (d *Dispatcher) Enqueue(proposalID string) {
	select {
	case d.queue <- proposalID:
	default:
		d.logger.WithField("proposal", proposalID).Warn("effects queue full, left for backlog scan")
	}
}

// Dispatch runs the effect of an executed proposal once. Calling it again for
// a proposal whose effect is done is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, proposalID string) error {
	run, err := d.store.GetEffectRun(ctx, proposalID)
	if err != nil {
		return err
	}
	if run.Status == mirror.EffectDone {
		return nil
	}
	p, err := d.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	logger := d.logger.WithFields(logrus.Fields{
		"proposal": p.ID,
		"type":     p.Type,
		"attempt":  run.Attempts + 1,
	})

	applied := false
	err = d.apply(ctx, p, &applied)
	if err != nil {
		d.observe(p.Type, "failed")
		if ferr := d.store.FailEffectRun(ctx, p.ID, err); ferr != nil {
			logger.Errorf("record effect failure: %s", ferr)
		}
		logger.Warnf("effect failed: %s", err)
		return types.NewError(types.KindEffectHandler, fmt.Sprintf("dispatch %s", p.Type), err)
	}
	if applied {
		d.observe(p.Type, "done")
		logger.Info("effect applied")
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, p *mirror.Proposal, applied *bool) error {
	handler, ok := d.handlers[p.Type]
	if !ok {
		return fmt.Errorf("no handler for proposal type %q", p.Type)
	}
	payload, err := intake.Load(ctx, d.blobs, p.ContentID)
	if err != nil {
		return fmt.Errorf("load payload %s: %w", p.ContentID, err)
	}
	if payload.Type != p.Type || payload.ChamaID != p.ChamaID {
		return fmt.Errorf("payload %s does not describe proposal %s", p.ContentID, p.ID)
	}
	return d.store.Transaction(ctx, func(tx *mirror.Store) error {
		run, err := tx.LockEffectRun(ctx, p.ID)
		if err != nil {
			return err
		}
		if run.Status == mirror.EffectDone {
			return nil
		}
		if err := handler(ctx, tx, p, payload); err != nil {
			return err
		}
		*applied = true
		return tx.CompleteEffectRun(ctx, p.ID)
	})
}

func (d *Dispatcher) observe(t types.ProposalType, outcome string) {
	if d.runs != nil {
		d.runs.WithLabelValues(string(t), outcome).Inc()
	}
}

// Start launches the workers and the backlog scanner. They stop when ctx is
// done; Wait blocks until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.wg.Add(1)
	go d.scan(ctx)
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			if err := d.dispatchWithRetry(ctx, id); err != nil {
				d.logger.WithField("proposal", id).Errorf("effect left in backlog: %s", err)
			}
		}
	}
}

// dispatchWithRetry retries retryable failures with Fibonacci backoff, at
// most three times per pass and never past MaxAttempts.
func (d *Dispatcher) dispatchWithRetry(ctx context.Context, proposalID string) error {
	var last error
	action := func(attempt uint) error {
		last = d.Dispatch(ctx, proposalID)
		if last != nil && !types.Retryable(last) {
			return nil
		}
		return last
	}
	underLimit := func(attempt uint) bool {
		if ctx.Err() != nil {
			return false
		}
		if d.cfg.MaxAttempts <= 0 || attempt == 0 {
			return true
		}
		run, err := d.store.GetEffectRun(ctx, proposalID)
		return err == nil && run.Attempts < d.cfg.MaxAttempts
	}
	_ = retry.Retry(action,
		strategy.Limit(3),
		underLimit,
		strategy.Backoff(backoff.Fibonacci(d.cfg.Backoff)),
	)
	return last
}

func (d *Dispatcher) scan(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		if _, err := d.EnqueueBacklog(ctx); err != nil && ctx.Err() == nil {
			d.logger.Errorf("scan effects backlog: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// EnqueueBacklog queues every run still under MaxAttempts and returns how
// many were queued.
func (d *Dispatcher) EnqueueBacklog(ctx context.Context) (int, error) {
	runs, err := d.store.Backlog(ctx, d.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if d.backlog != nil {
		d.backlog.Set(float64(len(runs)))
	}
	for _, run := range runs {
		d.Enqueue(run.ProposalID)
	}
	return len(runs), nil
}

// RetryBacklog synchronously dispatches every run not yet done, including
// those past MaxAttempts. It returns the number that succeeded.
func (d *Dispatcher) RetryBacklog(ctx context.Context) (int, error) {
	runs, err := d.store.Backlog(ctx, 0)
	if err != nil {
		return 0, err
	}
	done := 0
	var firstErr error
	for _, run := range runs {
		if err := d.Dispatch(ctx, run.ProposalID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done++
	}
	return done, firstErr
}
