package repo

import (
	"context"
	"database/sql"

	"opsgate/internal/domain"
)

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var suspendedAt, suspendUntil sql.NullString
	err := row.Scan(&a.ID, &a.Email, &a.Segment, &a.Status, &a.CreditCents, &suspendedAt, &suspendUntil, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if suspendedAt.Valid {
		a.SuspendedAt = &suspendedAt.String
	}
	if suspendUntil.Valid {
		a.SuspendUntil = &suspendUntil.String
	}
	return a, err
}

func (r Repo) InsertAccount(ctx context.Context, a domain.Account) error {
	var suspendedAt, suspendUntil any
	if a.SuspendedAt != nil {
		suspendedAt = *a.SuspendedAt
	}
	if a.SuspendUntil != nil {
		suspendUntil = *a.SuspendUntil
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(id,email,segment,status,credit_cents,suspended_at,suspend_until,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Email, a.Segment, a.Status, a.CreditCents, suspendedAt, suspendUntil, a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT id,email,segment,status,credit_cents,suspended_at,suspend_until,created_at FROM accounts WHERE id=?`, id))
}

// SuspendAccount flips an active account to suspended. An already suspended
// or closed account is left untouched and reported as ErrNotFound by the
// zero-row guard; callers translate that into their own domain error.
func (r Repo) SuspendAccount(ctx context.Context, id, suspendedAt string, until *string) error {
	var untilVal any
	if until != nil {
		untilVal = *until
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE accounts SET status='suspended', suspended_at=?, suspend_until=? WHERE id=? AND status='active'`,
		suspendedAt, untilVal, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBySegment sizes a broadcast audience. Suspended and closed accounts
// are excluded.
func (r Repo) CountBySegment(ctx context.Context, segment string) (int, error) {
	query := `SELECT COUNT(*) FROM accounts WHERE status='active'`
	var args []any
	if segment != "all" {
		query += ` AND segment=?`
		args = append(args, segment)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
