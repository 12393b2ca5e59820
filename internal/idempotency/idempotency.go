// Package idempotency is the dedup ledger for execute calls. It is the sole
// authority on "has this exact request already been answered": a key is
// reserved by exactly one execution and, once completed, replays the stored
// result verbatim for as long as the record lives.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsgate/internal/domain"
)

const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

var ErrNotFound = errors.New("idempotency record not found")

// Ledger tracks in-flight and completed idempotency keys.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// BeginResult reports the outcome of a reservation attempt.
// AlreadyStarted=false means this caller owns the execution. With
// AlreadyStarted=true, a nil Result means another execution is still in
// flight (conflict); a non-nil Result is the completed cached response.
type BeginResult struct {
	AlreadyStarted bool
	Result         json.RawMessage
}

// Begin atomically reserves a key for execution. The reservation is a single
// conditional insert so that concurrent callers can never both pass the gate:
// the unique constraint, not a read-then-write, decides the winner.
func (l Ledger) Begin(ctx context.Context, key, operation string) (BeginResult, error) {
	if key == "" {
		return BeginResult{}, errors.New("idempotency key required")
	}
	res, err := l.DB.ExecContext(ctx,
		`INSERT INTO idempotency_records(key, operation, status, created_at) VALUES (?,?,?,?)
		 ON CONFLICT(key) DO NOTHING`,
		key, operation, StatusInProgress, l.now().UTC().Format(time.RFC3339))
	if err != nil {
		return BeginResult{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return BeginResult{}, err
	} else if n == 1 {
		return BeginResult{AlreadyStarted: false}, nil
	}
	rec, err := l.Get(ctx, key)
	if err != nil {
		return BeginResult{}, err
	}
	if rec.Status == StatusCompleted && rec.ResultJSON != nil {
		return BeginResult{AlreadyStarted: true, Result: json.RawMessage(*rec.ResultJSON)}, nil
	}
	return BeginResult{AlreadyStarted: true}, nil
}

// Complete transitions a reservation to completed, persisting the result for
// all future replays of the key. Only an in_progress record may transition.
func (l Ledger) Complete(ctx context.Context, key string, result json.RawMessage) error {
	res, err := l.DB.ExecContext(ctx,
		`UPDATE idempotency_records SET status=?, result_json=? WHERE key=? AND status=?`,
		StatusCompleted, string(result), key, StatusInProgress)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("idempotency key %s is not in progress", key)
	}
	return nil
}

// Release drops an in_progress reservation after the underlying operation
// failed with a domain error, keeping the key retryable. Completed records
// never revert.
func (l Ledger) Release(ctx context.Context, key string) error {
	_, err := l.DB.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key=? AND status=?`, key, StatusInProgress)
	return err
}

// Get returns the record for a key.
func (l Ledger) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	row := l.DB.QueryRowContext(ctx,
		`SELECT key, operation, status, result_json, created_at FROM idempotency_records WHERE key=?`, key)
	var rec domain.IdempotencyRecord
	var result sql.NullString
	err := row.Scan(&rec.Key, &rec.Operation, &rec.Status, &result, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if result.Valid {
		rec.ResultJSON = &result.String
	}
	return rec, nil
}

// List returns recent records, newest first.
func (l Ledger) List(ctx context.Context, limit int) ([]domain.IdempotencyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT key, operation, status, result_json, created_at FROM idempotency_records
		 ORDER BY created_at DESC, key DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IdempotencyRecord
	for rows.Next() {
		var rec domain.IdempotencyRecord
		var result sql.NullString
		if err := rows.Scan(&rec.Key, &rec.Operation, &rec.Status, &result, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if result.Valid {
			rec.ResultJSON = &result.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
