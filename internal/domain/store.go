package domain

import (
	"context"
	"time"
)

// ExecutionStore persists swap executions together with the idempotency
// reservations that guard them. Every method that creates an execution or
// moves one to a terminal status also updates the reservation in the same
// atomic operation.
type ExecutionStore interface {
	// ReserveAndCreate reserves exec.IdempotencyKey and inserts exec as
	// pending in one step. When the key is already held, exec is not
	// inserted and the holder is reported instead.
	ReserveAndCreate(ctx context.Context, exec SwapExecution) (Reservation, error)

	// LookupReservation reports the current holder of key without reserving.
	// It returns ErrNotFound when the key is free.
	LookupReservation(ctx context.Context, key string) (Reservation, error)

	// ReleaseReservation marks the reservation held by executionID as
	// completed. It reports false when there was nothing to release.
	ReleaseReservation(ctx context.Context, key, executionID string, retain time.Duration) (bool, error)

	GetByID(ctx context.Context, id string) (SwapExecution, error)
	ListByStatus(ctx context.Context, status ExecutionStatus, limit int) ([]SwapExecution, error)

	// RecordAttempt increments attempts and stores lastError on a pending
	// execution, returning the new attempt count.
	RecordAttempt(ctx context.Context, id, lastError string) (int, error)

	// MarkSubmitted stores txHash and moves a pending execution to
	// submitted. The hash is kept even when the transition is refused, in
	// which case ErrInvalidTransition is returned.
	MarkSubmitted(ctx context.Context, id, txHash string, at time.Time) (SwapExecution, error)

	// Finish moves a non-terminal execution to the terminal status to and
	// releases its reservation, retaining it as completed for retain.
	// It returns ErrInvalidTransition if the execution is already terminal.
	Finish(ctx context.Context, id string, to ExecutionStatus, lastError string, retain time.Duration) (SwapExecution, error)

	// ListTerminalBefore returns terminal executions last updated before t.
	ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]SwapExecution, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}
