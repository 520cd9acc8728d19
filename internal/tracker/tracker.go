// Package tracker follows broadcast transactions until the chain settles
// them or the tracking deadline passes.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/metrics"
)

// Alerter notifies operators. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config controls the polling schedule.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxWait is measured from the execution's SubmittedAt.
	MaxWait time.Duration
	LockTTL time.Duration
	// Retain is how long a released reservation keeps answering duplicates.
	Retain time.Duration
	// PendingTimeout is how long after CreatedAt a pending execution is
	// considered abandoned. Zero disables the sweep.
	PendingTimeout time.Duration
	// SweepInterval is how often Run looks for abandoned pending executions.
	SweepInterval time.Duration
}

type task struct {
	cancel context.CancelFunc
	// stopped tasks only wait out the deadline; they never poll.
	stopped bool
}

// Tracker runs one polling goroutine per submitted execution.
type Tracker struct {
	cfg     Config
	store   domain.ExecutionStore
	chain   domain.ChainRPC
	locks   domain.LockManager
	bus     domain.EventBus
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger

	root   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	closed bool
	now    func() time.Time
}

// New creates a Tracker. locks, bus and alerter may be nil.
func New(cfg Config, store domain.ExecutionStore, chain domain.ChainRPC, locks domain.LockManager,
	bus domain.EventBus, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	root, stop := context.WithCancel(context.Background())
	return &Tracker{
		cfg:     cfg,
		store:   store,
		chain:   chain,
		locks:   locks,
		bus:     bus,
		alerter: alerter,
		metrics: m,
		logger:  logger.With(slog.String("component", "tracker")),
		root:    root,
		stop:    stop,
		tasks:   make(map[string]*task),
		now:     time.Now,
	}
}

// Run resumes tracking of every submitted execution, then sweeps abandoned
// pending executions until ctx is cancelled and all tasks have stopped.
// Stopped tasks leave their executions submitted so the next start picks
// them up again.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Resume(ctx); err != nil {
		return err
	}
	t.logger.Info("tracker started")

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Close()
			t.logger.Info("tracker stopped")
			return nil
		case <-ticker.C:
			if err := t.ExpireAbandoned(ctx); err != nil {
				t.logger.Warn("pending sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops every task and waits for them.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.stop()
	t.wg.Wait()
}

// Resume starts tracking executions left in submitted by a previous process
// and expires the pending ones it abandoned.
func (t *Tracker) Resume(ctx context.Context) error {
	execs, err := t.store.ListByStatus(ctx, domain.ExecutionSubmitted, 0)
	if err != nil {
		return fmt.Errorf("tracker: resume: %w", err)
	}
	for _, e := range execs {
		t.Track(e)
	}
	if len(execs) > 0 {
		t.logger.InfoContext(ctx, "resumed tracking", slog.Int("executions", len(execs)))
	}
	return t.ExpireAbandoned(ctx)
}

// ExpireAbandoned closes pending executions older than PendingTimeout as
// expired. A broadcast may have happened before the process stopped, so the
// outcome is reported as unknown.
func (t *Tracker) ExpireAbandoned(ctx context.Context) error {
	if t.cfg.PendingTimeout <= 0 {
		return nil
	}
	execs, err := t.store.ListByStatus(ctx, domain.ExecutionPending, 0)
	if err != nil {
		return fmt.Errorf("tracker: list pending: %w", err)
	}
	cutoff := t.now().Add(-t.cfg.PendingTimeout)
	expired := 0
	for _, e := range execs {
		if e.CreatedAt.After(cutoff) {
			continue
		}
		log := t.logger.With(slog.String("execution_id", e.ID))
		if t.finish(ctx, log, e.ID, domain.ExecutionExpired, domain.ReasonTrackingTimeout) {
			expired++
		}
	}
	if expired > 0 {
		t.logger.WarnContext(ctx, "expired abandoned pending executions", slog.Int("executions", expired))
	}
	return nil
}

// Track starts polling exec's transaction. Tracking an execution that is
// already being tracked is a no-op.
func (t *Tracker) Track(exec domain.SwapExecution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.tasks[exec.ID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(t.root)
	tk := &task{cancel: cancel}
	t.tasks[exec.ID] = tk
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.forget(exec.ID, tk)
		t.follow(ctx, exec)
	}()
}

// Tracking reports whether exec id is being polled.
func (t *Tracker) Tracking(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	return ok && !tk.stopped
}

// Cancel stops polling id. The transaction may still land, so the execution
// stays submitted until its tracking deadline passes and it expires with
// status unknown. Cancelling twice is a no-op.
func (t *Tracker) Cancel(ctx context.Context, id string) (domain.SwapExecution, error) {
	exec, err := t.store.GetByID(ctx, id)
	if err != nil {
		return exec, fmt.Errorf("tracker: cancel %s: %w", id, err)
	}
	if exec.Status != domain.ExecutionSubmitted {
		return exec, fmt.Errorf("tracker: cancel %s in status %s: %w", id, exec.Status, domain.ErrInvalidTransition)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tk, ok := t.tasks[id]; ok {
		if tk.stopped {
			return exec, nil
		}
		tk.cancel()
	}
	if t.closed {
		return exec, nil
	}
	tctx, cancel := context.WithCancel(t.root)
	tk := &task{cancel: cancel, stopped: true}
	t.tasks[id] = tk
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.forget(id, tk)
		t.expireAtDeadline(tctx, exec)
	}()
	t.logger.InfoContext(ctx, "tracking cancelled", slog.String("execution_id", id), slog.String("tx_hash", exec.TxHash))
	return exec, nil
}

// expireAtDeadline closes exec as expired once its deadline passes, without
// polling.
func (t *Tracker) expireAtDeadline(ctx context.Context, exec domain.SwapExecution) {
	timer := time.NewTimer(time.Until(t.deadline(exec)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	log := t.logger.With(slog.String("execution_id", exec.ID), slog.String("tx_hash", exec.TxHash))
	t.finish(ctx, log, exec.ID, domain.ExecutionExpired, domain.ReasonTrackingStopped)
}

// deadline is when tracking of exec gives up, measured from SubmittedAt.
func (t *Tracker) deadline(exec domain.SwapExecution) time.Time {
	submittedAt := exec.UpdatedAt
	if exec.SubmittedAt != nil {
		submittedAt = *exec.SubmittedAt
	}
	return submittedAt.Add(t.cfg.MaxWait)
}

func (t *Tracker) forget(id string, tk *task) {
	t.mu.Lock()
	if t.tasks[id] == tk {
		delete(t.tasks, id)
	}
	t.mu.Unlock()
	tk.cancel()
}

// follow polls until a terminal answer, the deadline, or cancellation.
func (t *Tracker) follow(ctx context.Context, exec domain.SwapExecution) {
	log := t.logger.With(slog.String("execution_id", exec.ID), slog.String("tx_hash", exec.TxHash))

	if t.locks != nil {
		unlock, err := t.locks.Acquire(ctx, "track:"+exec.ID, t.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			log.Debug("execution tracked elsewhere")
			return
		case err != nil:
			// Finish is conditional; a concurrent poller cannot close twice.
			log.Warn("tracking lock unavailable, polling unlocked", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}

	t.metrics.TrackedExecutions.Inc()
	defer t.metrics.TrackedExecutions.Dec()

	deadline := t.deadline(exec)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialInterval
	b.MaxInterval = t.cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	for polls := 1; ; polls++ {
		status, err := t.poll(ctx, exec, deadline)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			log.Debug("status poll failed", slog.Int("poll", polls), slog.String("error", err.Error()))
		case status == domain.ChainTxConfirmed:
			t.finish(ctx, log, exec.ID, domain.ExecutionConfirmed, "")
			return
		case status == domain.ChainTxReverted:
			t.finish(ctx, log, exec.ID, domain.ExecutionFailed, domain.ReasonReverted)
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.finish(ctx, log, exec.ID, domain.ExecutionExpired, domain.ReasonTrackingTimeout)
			return
		}
		wait := b.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *Tracker) poll(ctx context.Context, exec domain.SwapExecution, deadline time.Time) (domain.ChainTxStatus, error) {
	timeout := time.Until(deadline)
	if timeout < t.cfg.InitialInterval {
		timeout = t.cfg.InitialInterval
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := t.chain.GetTransactionStatus(pctx, exec.TxHash, exec.ChainID)
	label := string(status)
	if err != nil {
		label = "error"
	}
	t.metrics.TrackerPolls.WithLabelValues(label).Inc()
	return status, err
}

// finish closes id and reports whether this call did it.
func (t *Tracker) finish(ctx context.Context, log *slog.Logger, id string, to domain.ExecutionStatus, reason string) bool {
	exec, err := t.store.Finish(context.WithoutCancel(ctx), id, to, reason, t.cfg.Retain)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Debug("execution already closed", slog.String("status", string(exec.Status)))
			return false
		}
		log.Error("close execution failed", slog.String("status", string(to)), slog.String("error", err.Error()))
		return false
	}
	log.Info("execution settled", slog.String("status", string(to)))
	t.settled(ctx, exec)
	return true
}

// settled publishes the terminal event and alerts on unhappy endings.
func (t *Tracker) settled(ctx context.Context, exec domain.SwapExecution) {
	ctx = context.WithoutCancel(ctx)
	t.metrics.Executions.WithLabelValues(string(exec.Status)).Inc()
	if t.bus != nil {
		if payload, err := json.Marshal(domain.EventFor(exec)); err == nil {
			if err := t.bus.Publish(ctx, domain.ExecutionChannel(exec.ID), payload); err != nil {
				t.logger.Warn("publish execution event failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
			}
		}
	}
	if t.alerter == nil || exec.Status == domain.ExecutionConfirmed {
		return
	}
	msg := fmt.Sprintf("execution %s (tx %s, chain %d): %s", exec.ID, exec.TxHash, exec.ChainID, exec.LastError)
	if err := t.alerter.Notify(ctx, string(exec.Status), "Swap "+string(exec.Status), msg); err != nil {
		t.logger.Warn("alert failed", slog.String("error", err.Error()))
	}
}
