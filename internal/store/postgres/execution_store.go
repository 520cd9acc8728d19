package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `id, swap_request_id, user_id, wallet, idempotency_key, chain_id, quote,
	tx_hash, status, attempts, last_error, created_at, updated_at, submitted_at`

// ReserveAndCreate claims the key and inserts the execution in one
// transaction. A completed reservation past its expiry is taken over.
func (s *ExecutionStore) ReserveAndCreate(ctx context.Context, exec domain.SwapExecution) (domain.Reservation, error) {
	quote, err := json.Marshal(exec.ChosenQuote)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: encode quote: %w", err)
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var holder string
	err = tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, execution_id, state)
		VALUES ($1, $2, 'active')
		ON CONFLICT (key) DO UPDATE
			SET execution_id = EXCLUDED.execution_id, state = 'active', expires_at = NULL, updated_at = NOW()
			WHERE idempotency_keys.state = 'completed' AND idempotency_keys.expires_at <= NOW()
		RETURNING execution_id`,
		exec.IdempotencyKey, exec.ID,
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		res, err := lookupReservation(ctx, tx, exec.IdempotencyKey)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("postgres: reservation holder %s: %w", exec.IdempotencyKey, err)
		}
		return res, nil
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: reserve %s: %w", exec.IdempotencyKey, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO swap_executions (`+executionColumns+`, aggregator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $13, $14)`,
		exec.ID, exec.SwapRequestID, exec.UserID, exec.Wallet, exec.IdempotencyKey, exec.ChainID, quote,
		exec.TxHash, string(exec.Status), exec.Attempts, exec.LastError, exec.CreatedAt, exec.SubmittedAt,
		exec.ChosenQuote.AggregatorID,
	)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: insert swap_execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: commit reserve: %w", err)
	}
	return domain.Reservation{Outcome: domain.Reserved, ExecutionID: exec.ID}, nil
}

func (s *ExecutionStore) LookupReservation(ctx context.Context, key string) (domain.Reservation, error) {
	res, err := lookupReservation(ctx, s.pool, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Reservation{}, err
		}
		return domain.Reservation{}, fmt.Errorf("postgres: lookup reservation %s: %w", key, err)
	}
	return res, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lookupReservation(ctx context.Context, q querier, key string) (domain.Reservation, error) {
	var id, state string
	err := q.QueryRow(ctx, `
		SELECT execution_id, state FROM idempotency_keys
		WHERE key = $1 AND (state = 'active' OR expires_at > NOW())`,
		key,
	).Scan(&id, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	if state == "active" {
		return domain.Reservation{Outcome: domain.AlreadyInProgress, ExecutionID: id}, nil
	}
	return domain.Reservation{Outcome: domain.AlreadyCompleted, ExecutionID: id}, nil
}

func (s *ExecutionStore) ReleaseReservation(ctx context.Context, key, executionID string, retain time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, releaseSQL, key, executionID, retain.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("postgres: release reservation %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

const releaseSQL = `
	UPDATE idempotency_keys
	SET state = 'completed', expires_at = NOW() + ($3::bigint * INTERVAL '1 millisecond'), updated_at = NOW()
	WHERE key = $1 AND execution_id = $2 AND state = 'active'`

func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.SwapExecution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM swap_executions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SwapExecution{}, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
		}
		return domain.SwapExecution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return e, nil
}

func (s *ExecutionStore) ListByStatus(ctx context.Context, status domain.ExecutionStatus, limit int) ([]domain.SwapExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM swap_executions
		WHERE status = $1 ORDER BY created_at, id LIMIT NULLIF($2, 0)`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions by status: %w", err)
	}
	return collectExecutions(rows)
}

func (s *ExecutionStore) ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]domain.SwapExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM swap_executions
		WHERE status IN ('confirmed', 'failed', 'expired') AND updated_at < $1
		ORDER BY updated_at, id LIMIT NULLIF($2, 0)`,
		t, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal executions: %w", err)
	}
	return collectExecutions(rows)
}

func (s *ExecutionStore) RecordAttempt(ctx context.Context, id, lastError string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE swap_executions SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING attempts`,
		id, lastError,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return 0, getErr
		}
		return cur.Attempts, fmt.Errorf("postgres: record attempt %s in status %s: %w", id, cur.Status, domain.ErrInvalidTransition)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: record attempt %s: %w", id, err)
	}
	return attempts, nil
}

// MarkSubmitted always stores the hash; the status only moves from pending.
func (s *ExecutionStore) MarkSubmitted(ctx context.Context, id, txHash string, at time.Time) (domain.SwapExecution, error) {
	var prev string
	row := s.pool.QueryRow(ctx, `
		WITH prev AS (SELECT status FROM swap_executions WHERE id = $1 FOR UPDATE)
		UPDATE swap_executions e SET
			tx_hash = $2,
			updated_at = NOW(),
			status = CASE WHEN e.status = 'pending' THEN 'submitted' ELSE e.status END,
			submitted_at = CASE WHEN e.status = 'pending' THEN $3::timestamptz ELSE e.submitted_at END
		FROM prev
		WHERE e.id = $1
		RETURNING prev.status, `+prefixed("e.", executionColumns),
		id, txHash, at,
	)
	e, err := scanExecutionWith(row, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SwapExecution{}, fmt.Errorf("postgres: mark submitted %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SwapExecution{}, fmt.Errorf("postgres: mark submitted %s: %w", id, err)
	}
	if prev != string(domain.ExecutionPending) {
		return e, fmt.Errorf("postgres: mark submitted %s in status %s: %w", id, prev, domain.ErrInvalidTransition)
	}
	return e, nil
}

// Finish applies the terminal transition and releases the reservation in
// one transaction. Only one caller can win the conditional update.
func (s *ExecutionStore) Finish(ctx context.Context, id string, to domain.ExecutionStatus, lastError string, retain time.Duration) (domain.SwapExecution, error) {
	var from []string
	for _, st := range []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionSubmitted} {
		if to.IsTerminal() && st.CanTransition(to) {
			from = append(from, string(st))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.SwapExecution{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanExecution(tx.QueryRow(ctx, `
		UPDATE swap_executions SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+executionColumns,
		id, string(to), lastError, from,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return domain.SwapExecution{}, getErr
		}
		return cur, fmt.Errorf("postgres: finish %s: %s -> %s: %w", id, cur.Status, to, domain.ErrInvalidTransition)
	}
	if err != nil {
		return domain.SwapExecution{}, fmt.Errorf("postgres: finish %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx, releaseSQL, e.IdempotencyKey, e.ID, retain.Milliseconds()); err != nil {
		return domain.SwapExecution{}, fmt.Errorf("postgres: release reservation %s: %w", e.IdempotencyKey, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.SwapExecution{}, fmt.Errorf("postgres: commit finish %s: %w", id, err)
	}
	return e, nil
}

// DeleteByIDs removes executions and any of their reservations that no
// longer answer duplicates.
func (s *ExecutionStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM swap_executions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE execution_id = ANY($1) AND state = 'completed' AND expires_at <= NOW()`, ids); err != nil {
		return 0, fmt.Errorf("postgres: delete reservations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row) (domain.SwapExecution, error) {
	return scanExecutionWith(row)
}

// scanExecutionWith scans optional leading columns into lead, then the
// execution columns.
func scanExecutionWith(row pgx.Row, lead ...any) (domain.SwapExecution, error) {
	var (
		e      domain.SwapExecution
		quote  []byte
		status string
	)
	dest := append(lead,
		&e.ID, &e.SwapRequestID, &e.UserID, &e.Wallet, &e.IdempotencyKey, &e.ChainID, &quote,
		&e.TxHash, &status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.SubmittedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return domain.SwapExecution{}, err
	}
	e.Status = domain.ExecutionStatus(status)
	if err := json.Unmarshal(quote, &e.ChosenQuote); err != nil {
		return domain.SwapExecution{}, fmt.Errorf("decode quote of %s: %w", e.ID, err)
	}
	return e, nil
}

func collectExecutions(rows pgx.Rows) ([]domain.SwapExecution, error) {
	defer rows.Close()
	var out []domain.SwapExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate executions: %w", err)
	}
	return out, nil
}

// prefixed qualifies each column in a comma-separated list.
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
