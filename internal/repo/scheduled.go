package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"opsgate/internal/domain"
)

// Schedule persists a future-dated action and returns its id. Repo satisfies
// the orchestrator's Scheduler contract with this method.
func (r Repo) Schedule(ctx context.Context, operation string, params map[string]any, actorID string, runAt time.Time) (string, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	_, err = r.DB.ExecContext(ctx, `INSERT INTO scheduled_actions(id,operation,params_json,actor_id,run_at,status,created_at) VALUES (?,?,?,?,?,'pending',?)`,
		id, operation, string(payload), actorID, runAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r Repo) ListScheduledActions(ctx context.Context, status string) ([]domain.ScheduledAction, error) {
	query := `SELECT id,operation,params_json,actor_id,run_at,status,created_at FROM scheduled_actions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY run_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledAction
	for rows.Next() {
		var a domain.ScheduledAction
		if err := rows.Scan(&a.ID, &a.Operation, &a.ParamsJSON, &a.ActorID, &a.RunAt, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CancelScheduledAction(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE scheduled_actions SET status='canceled' WHERE id=? AND status='pending'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
