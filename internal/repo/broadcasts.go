package repo

import (
	"context"

	"opsgate/internal/domain"
)

func (r Repo) InsertBroadcast(ctx context.Context, b domain.Broadcast) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO broadcasts(id,segment,subject,body,status,audience,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.Segment, b.Subject, b.Body, b.Status, b.Audience, b.ActorID, b.CreatedAt)
	return err
}

func (r Repo) ListBroadcasts(ctx context.Context, limit int) ([]domain.Broadcast, error) {
	query := `SELECT id,segment,subject,body,status,audience,actor_id,created_at FROM broadcasts ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Broadcast
	for rows.Next() {
		var b domain.Broadcast
		if err := rows.Scan(&b.ID, &b.Segment, &b.Subject, &b.Body, &b.Status, &b.Audience, &b.ActorID, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
