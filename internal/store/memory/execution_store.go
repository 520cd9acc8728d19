// Package memory implements domain.ExecutionStore in process memory. It backs
// store.backend = "memory" and the executor and tracker tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

type reservation struct {
	executionID string
	completed   bool
	expiresAt   time.Time
}

// ExecutionStore keeps executions and reservations behind one mutex, so
// reserving a key and creating its execution is a single step.
type ExecutionStore struct {
	mu           sync.Mutex
	executions   map[string]domain.SwapExecution
	reservations map[string]reservation
	now          func() time.Time
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// Option configures an ExecutionStore.
type Option func(*ExecutionStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ExecutionStore) { s.now = now }
}

// NewExecutionStore creates an empty store.
func NewExecutionStore(opts ...Option) *ExecutionStore {
	s := &ExecutionStore{
		executions:   make(map[string]domain.SwapExecution),
		reservations: make(map[string]reservation),
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// holder returns the live reservation for key. Completed reservations past
// their retention are dropped. Caller holds mu.
func (s *ExecutionStore) holder(key string) (domain.Reservation, bool) {
	r, ok := s.reservations[key]
	if !ok {
		return domain.Reservation{}, false
	}
	if !r.completed {
		return domain.Reservation{Outcome: domain.AlreadyInProgress, ExecutionID: r.executionID}, true
	}
	if s.now().Before(r.expiresAt) {
		return domain.Reservation{Outcome: domain.AlreadyCompleted, ExecutionID: r.executionID}, true
	}
	delete(s.reservations, key)
	return domain.Reservation{}, false
}

func (s *ExecutionStore) ReserveAndCreate(_ context.Context, exec domain.SwapExecution) (domain.Reservation, error) {
	if exec.IdempotencyKey == "" || exec.ID == "" {
		return domain.Reservation{}, fmt.Errorf("memory: reserve: execution id and idempotency key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.holder(exec.IdempotencyKey); ok {
		return res, nil
	}
	if _, dup := s.executions[exec.ID]; dup {
		return domain.Reservation{}, fmt.Errorf("memory: reserve: execution %s: %w", exec.ID, domain.ErrAlreadyExists)
	}

	now := s.now()
	if exec.Status == "" {
		exec.Status = domain.ExecutionPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	s.executions[exec.ID] = exec
	s.reservations[exec.IdempotencyKey] = reservation{executionID: exec.ID}
	return domain.Reservation{Outcome: domain.Reserved, ExecutionID: exec.ID}, nil
}

func (s *ExecutionStore) LookupReservation(_ context.Context, key string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.holder(key); ok {
		return res, nil
	}
	return domain.Reservation{}, domain.ErrNotFound
}

func (s *ExecutionStore) ReleaseReservation(_ context.Context, key, executionID string, retain time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(key, executionID, retain), nil
}

// release completes the active reservation of executionID. Caller holds mu.
func (s *ExecutionStore) release(key, executionID string, retain time.Duration) bool {
	r, ok := s.reservations[key]
	if !ok || r.completed || r.executionID != executionID {
		return false
	}
	r.completed = true
	r.expiresAt = s.now().Add(retain)
	s.reservations[key] = r
	return true
}

func (s *ExecutionStore) GetByID(_ context.Context, id string) (domain.SwapExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return domain.SwapExecution{}, fmt.Errorf("memory: execution %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (s *ExecutionStore) ListByStatus(_ context.Context, status domain.ExecutionStatus, limit int) ([]domain.SwapExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(e domain.SwapExecution) bool { return e.Status == status }, limit), nil
}

func (s *ExecutionStore) ListTerminalBefore(_ context.Context, t time.Time, limit int) ([]domain.SwapExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(e domain.SwapExecution) bool {
		return e.Status.IsTerminal() && e.UpdatedAt.Before(t)
	}, limit), nil
}

// collect returns matching executions oldest first. Caller holds mu.
func (s *ExecutionStore) collect(match func(domain.SwapExecution) bool, limit int) []domain.SwapExecution {
	var out []domain.SwapExecution
	for _, e := range s.executions {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *ExecutionStore) RecordAttempt(_ context.Context, id, lastError string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return 0, fmt.Errorf("memory: record attempt %s: %w", id, domain.ErrNotFound)
	}
	if e.Status != domain.ExecutionPending {
		return e.Attempts, fmt.Errorf("memory: record attempt %s in status %s: %w", id, e.Status, domain.ErrInvalidTransition)
	}
	e.Attempts++
	e.LastError = lastError
	e.UpdatedAt = s.now()
	s.executions[id] = e
	return e.Attempts, nil
}

func (s *ExecutionStore) MarkSubmitted(_ context.Context, id, txHash string, at time.Time) (domain.SwapExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return domain.SwapExecution{}, fmt.Errorf("memory: mark submitted %s: %w", id, domain.ErrNotFound)
	}
	e.TxHash = txHash
	e.UpdatedAt = s.now()
	if e.Status != domain.ExecutionPending {
		s.executions[id] = e
		return e, fmt.Errorf("memory: mark submitted %s in status %s: %w", id, e.Status, domain.ErrInvalidTransition)
	}
	e.Status = domain.ExecutionSubmitted
	e.SubmittedAt = &at
	s.executions[id] = e
	return e, nil
}

func (s *ExecutionStore) Finish(_ context.Context, id string, to domain.ExecutionStatus, lastError string, retain time.Duration) (domain.SwapExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return domain.SwapExecution{}, fmt.Errorf("memory: finish %s: %w", id, domain.ErrNotFound)
	}
	if !to.IsTerminal() || !e.Status.CanTransition(to) {
		return e, fmt.Errorf("memory: finish %s: %s -> %s: %w", id, e.Status, to, domain.ErrInvalidTransition)
	}
	e.Status = to
	e.LastError = lastError
	e.UpdatedAt = s.now()
	s.executions[id] = e
	s.release(e.IdempotencyKey, e.ID, retain)
	return e, nil
}

// DeleteByIDs removes executions and prunes every completed reservation whose
// retention has passed.
func (s *ExecutionStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.executions[id]; ok {
			delete(s.executions, id)
			n++
		}
	}
	now := s.now()
	for key, r := range s.reservations {
		if r.completed && !now.Before(r.expiresAt) {
			delete(s.reservations, key)
		}
	}
	return n, nil
}
