package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/alanyoungcy/dexswap/internal/aggregator"
	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/idempotency"
	"github.com/alanyoungcy/dexswap/internal/metrics"
	"github.com/alanyoungcy/dexswap/internal/validator"
)

// Router produces a fresh best quote.
type Router interface {
	Route(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
}

// Tracker takes over an execution once its transaction is on the wire.
type Tracker interface {
	Track(exec domain.SwapExecution)
	Cancel(ctx context.Context, executionID string) (domain.SwapExecution, error)
}

// Alerter notifies operators. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config bounds submission.
type Config struct {
	MaxAttempts   int
	RetryBackoff  time.Duration
	SubmitTimeout time.Duration
}

// Deps are the collaborators an Executor needs. Bus and Alerter may be nil.
type Deps struct {
	Router      Router
	Quotes      domain.QuoteCache
	Aggregators *aggregator.Registry
	Validator   *validator.Validator
	Idempotency *idempotency.Manager
	Store       domain.ExecutionStore
	Balances    domain.BalanceService
	Broadcaster domain.Broadcaster
	Tracker     Tracker
	Bus         domain.EventBus
	Alerter     Alerter
}

// Executor turns a swap request into at most one broadcast transaction.
type Executor struct {
	cfg     Config
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Executor.
func New(cfg Config, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Executor{
		cfg:     cfg,
		deps:    deps,
		metrics: m,
		logger:  logger.With(slog.String("component", "executor")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// IsDuplicate reports whether exec was created by an earlier request rather
// than by req.
func IsDuplicate(req domain.SwapRequest, exec domain.SwapExecution) bool {
	return exec.SwapRequestID != req.ID
}

// Execute runs a swap request. An identical request seen before returns the
// existing execution unchanged. Validation and balance failures return a
// typed error and create nothing. Otherwise the returned execution is the
// persisted record after the broadcast step: submitted on success, failed
// when submission gave up.
func (e *Executor) Execute(ctx context.Context, req domain.SwapRequest) (domain.SwapExecution, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = e.now()
	}

	var cached *domain.Quote
	if req.QuoteID != "" {
		if q, ok := e.deps.Quotes.GetByID(ctx, req.QuoteID); ok {
			cached = &q
			if req.QuoteRequest.Amount() == nil {
				req.QuoteRequest = q.Request
			}
		}
	}
	key := e.deps.Idempotency.KeyFor(req, req.Nonce)
	log := e.logger.With(
		slog.String("swap_request_id", req.ID),
		slog.String("user_id", req.UserID),
		slog.String("idempotency_key", key),
	)

	// (a) Known intent: hand back what already exists.
	if existing, ok, err := e.existing(ctx, key); err != nil {
		return domain.SwapExecution{}, err
	} else if ok {
		log.InfoContext(ctx, "returning existing execution", slog.String("execution_id", existing.ID))
		return existing, nil
	}

	// (b) Quote and (c) balance, before anything is recorded.
	q, err := e.resolveQuote(ctx, req, cached)
	if err != nil {
		e.reject(ctx, log, err)
		return domain.SwapExecution{}, err
	}
	tolerance := req.QuoteRequest.SlippageTolerancePercent
	if err := e.deps.Validator.Validate(q, tolerance, req.Bounds(), e.now()); err != nil {
		e.reject(ctx, log, err)
		return domain.SwapExecution{}, fmt.Errorf("executor: validate quote %s: %w", q.ID, err)
	}
	if err := e.checkBalance(ctx, req, q); err != nil {
		e.reject(ctx, log, err)
		return domain.SwapExecution{}, err
	}

	// (a') Claim the intent and record it as pending in one step.
	exec := domain.SwapExecution{
		ID:             uuid.New().String(),
		SwapRequestID:  req.ID,
		UserID:         req.UserID,
		Wallet:         req.Wallet,
		IdempotencyKey: key,
		ChainID:        q.Request.ChainID,
		ChosenQuote:    q,
		Status:         domain.ExecutionPending,
		CreatedAt:      e.now(),
	}
	res, err := e.deps.Idempotency.Reserve(ctx, exec)
	if err != nil {
		return domain.SwapExecution{}, fmt.Errorf("executor: %w", err)
	}
	if res.Outcome != domain.Reserved {
		return e.load(ctx, res.ExecutionID)
	}
	log = log.With(slog.String("execution_id", exec.ID), slog.String("aggregator", q.AggregatorID))
	e.metrics.Executions.WithLabelValues(string(domain.ExecutionPending)).Inc()
	e.publish(ctx, exec)

	// The record now exists; finishing it must not depend on the caller
	// staying connected.
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SubmitTimeout)
	defer cancel()
	return e.submit(workCtx, log, exec, tolerance)
}

// submit builds, signs and broadcasts exec's transaction, retrying only
// failures that provably happened before broadcast.
func (e *Executor) submit(ctx context.Context, log *slog.Logger, exec domain.SwapExecution, tolerance float64) (domain.SwapExecution, error) {
	client, err := e.deps.Aggregators.Get(exec.ChosenQuote.AggregatorID)
	if err != nil {
		return e.fail(ctx, log, exec, err.Error())
	}

	var (
		lastErr   error
		exhausted = true
	)
	stop := func(err error) error {
		exhausted = false
		return backoff.Permanent(err)
	}
	attempt := func() (string, error) {
		reason := ""
		if lastErr != nil {
			reason = lastErr.Error()
		}
		if _, err := e.deps.Store.RecordAttempt(ctx, exec.ID, reason); err != nil {
			// Cancelled while we were backing off.
			return "", stop(err)
		}
		if err := e.unexpired(exec.ChosenQuote); err != nil {
			return "", stop(err)
		}

		tx, err := client.BuildTransaction(ctx, exec.ChosenQuote, domain.TxParams{
			Taker:                    exec.Wallet,
			SlippageTolerancePercent: tolerance,
		})
		if err != nil {
			lastErr = fmt.Errorf("build transaction: %w", err)
			if retryableBuild(err) {
				return "", lastErr
			}
			return "", stop(lastErr)
		}

		current, err := e.deps.Store.GetByID(ctx, exec.ID)
		if err != nil {
			return "", stop(err)
		}
		if current.Status != domain.ExecutionPending {
			return "", stop(fmt.Errorf("execution %s is %s: %w", exec.ID, current.Status, domain.ErrInvalidTransition))
		}

		if err := e.unexpired(exec.ChosenQuote); err != nil {
			return "", stop(err)
		}
		start := time.Now()
		hash, err := e.deps.Broadcaster.SignAndBroadcast(ctx, tx)
		e.metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			lastErr = fmt.Errorf("sign and broadcast: %w", err)
			if errors.Is(err, domain.ErrNotBroadcast) {
				return "", lastErr
			}
			return "", stop(lastErr)
		}
		return hash, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBackoff
	b.MaxInterval = 10 * e.cfg.RetryBackoff
	hash, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.WarnContext(ctx, "submission attempt failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", d),
			)
		}),
	)
	if err != nil {
		// The submit deadline may be what stopped us; closing the record
		// must still happen.
		ctx := context.WithoutCancel(ctx)
		if errors.Is(err, domain.ErrInvalidTransition) {
			return e.load(ctx, exec.ID)
		}
		reason := err.Error()
		if exhausted && lastErr != nil {
			reason = domain.ReasonAttemptsExceeded + ": " + lastErr.Error()
		}
		if errors.Is(err, domain.ErrQuoteRejected) {
			e.reject(ctx, log, err)
		} else {
			e.alert(ctx, "broadcast_error", exec, reason)
		}
		return e.fail(ctx, log, exec, reason)
	}

	// The transaction is out; the hash must be recorded whatever the deadline.
	ctx = context.WithoutCancel(ctx)
	submitted, err := e.deps.Store.MarkSubmitted(ctx, exec.ID, hash, e.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Cancelled between broadcast and persist. The hash is on the
			// record; the status stays whatever the cancel set.
			log.WarnContext(ctx, "transaction broadcast after execution was closed",
				slog.String("tx_hash", hash),
				slog.String("status", string(submitted.Status)),
			)
			e.alert(ctx, "broadcast_error", submitted, "transaction "+hash+" broadcast after cancel, check chain explorer")
			return submitted, nil
		}
		return domain.SwapExecution{}, fmt.Errorf("executor: mark submitted %s: %w", exec.ID, err)
	}

	log.InfoContext(ctx, "swap broadcast", slog.String("tx_hash", hash), slog.Int("attempts", submitted.Attempts))
	e.metrics.Executions.WithLabelValues(string(domain.ExecutionSubmitted)).Inc()
	e.publish(ctx, submitted)
	if e.deps.Tracker != nil {
		e.deps.Tracker.Track(submitted)
	}
	return submitted, nil
}

// Cancel stops an execution. Pending executions fail with "cancelled".
// Submitted ones stop being polled and stay submitted until the tracking
// deadline expires them.
func (e *Executor) Cancel(ctx context.Context, id string) (domain.SwapExecution, error) {
	exec, err := e.load(ctx, id)
	if err != nil {
		return domain.SwapExecution{}, err
	}
	switch exec.Status {
	case domain.ExecutionPending:
		out, err := e.deps.Store.Finish(ctx, id, domain.ExecutionFailed, domain.ReasonCancelled, e.deps.Idempotency.Window())
		if err != nil {
			return out, fmt.Errorf("executor: cancel %s: %w", id, err)
		}
		e.logger.InfoContext(ctx, "execution cancelled", slog.String("execution_id", id))
		e.metrics.Executions.WithLabelValues(string(out.Status)).Inc()
		e.publish(ctx, out)
		return out, nil
	case domain.ExecutionSubmitted:
		if e.deps.Tracker == nil {
			return exec, fmt.Errorf("executor: cancel %s: no tracker: %w", id, domain.ErrInvalidTransition)
		}
		out, err := e.deps.Tracker.Cancel(ctx, id)
		if err != nil {
			return out, fmt.Errorf("executor: cancel %s: %w", id, err)
		}
		return out, nil
	}
	return exec, fmt.Errorf("executor: cancel %s in status %s: %w", id, exec.Status, domain.ErrInvalidTransition)
}

func (e *Executor) existing(ctx context.Context, key string) (domain.SwapExecution, bool, error) {
	res, ok, err := e.deps.Idempotency.Lookup(ctx, key)
	if err != nil {
		return domain.SwapExecution{}, false, fmt.Errorf("executor: %w", err)
	}
	if !ok {
		return domain.SwapExecution{}, false, nil
	}
	exec, err := e.load(ctx, res.ExecutionID)
	if err != nil {
		return domain.SwapExecution{}, false, err
	}
	return exec, true, nil
}

// resolveQuote returns the quote the request refers to, or routes the
// embedded request when it names none.
func (e *Executor) resolveQuote(ctx context.Context, req domain.SwapRequest, cached *domain.Quote) (domain.Quote, error) {
	if req.QuoteID != "" {
		if cached == nil {
			return domain.Quote{}, fmt.Errorf("executor: %w", domain.Reject(domain.ErrQuoteExpired, "quote %s is unknown or expired", req.QuoteID))
		}
		return *cached, nil
	}
	if req.QuoteRequest.Amount() == nil {
		return domain.Quote{}, fmt.Errorf("executor: %w: quoteId or quoteRequest is required", domain.ErrInvalidRequest)
	}
	q, err := e.deps.Router.Route(ctx, req.QuoteRequest)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("executor: %w", err)
	}
	return q, nil
}

func (e *Executor) checkBalance(ctx context.Context, req domain.SwapRequest, q domain.Quote) error {
	need := q.SellAmount
	if q.Request.Side() == domain.SideBuy {
		need = validator.MaxSold(q.SellAmount, req.QuoteRequest.SlippageTolerancePercent)
	}
	have, err := e.deps.Balances.GetBalance(ctx, req.Wallet, q.Request.SellToken, q.Request.ChainID)
	if err != nil {
		return fmt.Errorf("executor: balance of %s: %w", req.Wallet, err)
	}
	if have == nil || need == nil || have.Cmp(need) < 0 {
		return fmt.Errorf("executor: wallet %s holds %s of %s, needs %s: %w",
			req.Wallet, amountString(have), q.Request.SellToken, amountString(need), domain.ErrInsufficientBalance)
	}
	return nil
}

// unexpired rejects q once its validity window has passed. Retries reuse the
// chosen quote, so this is checked before every build and broadcast.
func (e *Executor) unexpired(q domain.Quote) error {
	if q.Expired(e.now()) {
		return domain.Reject(domain.ErrQuoteExpired, "quote %s expired at %s before broadcast",
			q.ID, q.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, exec domain.SwapExecution, reason string) (domain.SwapExecution, error) {
	out, err := e.deps.Store.Finish(ctx, exec.ID, domain.ExecutionFailed, reason, e.deps.Idempotency.Window())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Closed by another path; make sure its key does not stay held.
			if out.Status.IsTerminal() {
				if rerr := e.deps.Idempotency.Release(ctx, out.IdempotencyKey, out.ID); rerr != nil {
					log.WarnContext(ctx, "release reservation failed", slog.String("error", rerr.Error()))
				}
			}
			return out, nil
		}
		return domain.SwapExecution{}, fmt.Errorf("executor: fail %s: %w", exec.ID, err)
	}
	log.WarnContext(ctx, "swap execution failed", slog.String("reason", reason))
	e.metrics.Executions.WithLabelValues(string(domain.ExecutionFailed)).Inc()
	e.publish(ctx, out)
	return out, nil
}

func (e *Executor) load(ctx context.Context, id string) (domain.SwapExecution, error) {
	exec, err := e.deps.Store.GetByID(ctx, id)
	if err != nil {
		return domain.SwapExecution{}, fmt.Errorf("executor: load %s: %w", id, err)
	}
	return exec, nil
}

func (e *Executor) reject(ctx context.Context, log *slog.Logger, err error) {
	e.metrics.Rejections.WithLabelValues(rejectionLabel(err)).Inc()
	log.InfoContext(ctx, "swap rejected", slog.String("error", err.Error()))
}

func (e *Executor) publish(ctx context.Context, exec domain.SwapExecution) {
	if e.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(domain.EventFor(exec))
	if err != nil {
		return
	}
	if err := e.deps.Bus.Publish(ctx, domain.ExecutionChannel(exec.ID), payload); err != nil {
		e.logger.WarnContext(ctx, "publish execution event failed",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) alert(ctx context.Context, event string, exec domain.SwapExecution, reason string) {
	if e.deps.Alerter == nil {
		return
	}
	msg := fmt.Sprintf("execution %s (user %s, %s via %s): %s",
		exec.ID, exec.UserID, exec.ChosenQuote.Request.SellToken, exec.ChosenQuote.AggregatorID, reason)
	if err := e.deps.Alerter.Notify(ctx, event, "Swap submission failed", msg); err != nil {
		e.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}

// retryableBuild reports whether an aggregator build failure is transient.
func retryableBuild(err error) bool {
	return errors.Is(err, domain.ErrAggregatorTimeout) ||
		errors.Is(err, domain.ErrAggregatorRateLimited) ||
		errors.Is(err, domain.ErrAggregatorUnknown)
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrQuoteExpired):
		return "expired"
	case errors.Is(err, domain.ErrPriceImpactTooHigh):
		return "price_impact"
	case errors.Is(err, domain.ErrSlippageBound):
		return "slippage"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "balance"
	case errors.Is(err, domain.ErrNoRoute):
		return "no_route"
	case errors.Is(err, domain.ErrAllAggregatorsFailed):
		return "aggregators_failed"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	}
	return "other"
}

func amountString(a *big.Int) string {
	if a == nil {
		return "<none>"
	}
	return a.String()
}
