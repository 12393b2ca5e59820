// Package audit appends best-effort records of attempted and executed
// sensitive operations. A failed audit write is logged and swallowed; it
// never changes the outcome of the operation it describes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"opsgate/internal/domain"
)

// Entry is one append-only audit record.
type Entry struct {
	ActorID       string
	Operation     string
	Outcome       string
	CorrelationID string
	Details       map[string]any
}

// Recorder writes audit entries to the local append-only log.
type Recorder struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *log.Logger
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Recorder) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Record appends an entry. Errors are logged, never returned: the audit
// trail is an observer of the protocol, not a participant.
func (r Recorder) Record(ctx context.Context, e Entry) {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	var details any
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			r.logger().Printf("audit: marshal details for %s failed: %v", e.Operation, err)
		} else {
			details = string(data)
		}
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO audit_log(actor_id, operation, outcome, correlation_id, details_json, ts) VALUES (?,?,?,?,?,?)`,
		e.ActorID, e.Operation, e.Outcome, e.CorrelationID, details, r.now().UTC().Format(time.RFC3339))
	if err != nil {
		r.logger().Printf("audit: append %s/%s failed: %v", e.Operation, e.Outcome, err)
	}
}

// List returns recent entries, newest first, optionally filtered by operation.
func (r Recorder) List(ctx context.Context, limit int, operation string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, actor_id, operation, outcome, correlation_id, details_json, ts FROM audit_log`
	args := []any{}
	if operation != "" {
		query += ` WHERE operation=?`
		args = append(args, operation)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesAfter returns up to limit entries with id greater than cursor,
// oldest first. Used by the sink forwarder.
func (r Recorder) EntriesAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, actor_id, operation, outcome, correlation_id, details_json, ts FROM audit_log
		 WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LatestID returns the id of the newest entry, or 0 when the log is empty.
func (r Recorder) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_log`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEntries(rows *sql.Rows) ([]domain.AuditEntry, error) {
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Operation, &e.Outcome, &e.CorrelationID, &details, &e.TS); err != nil {
			return nil, err
		}
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
