package repo

import (
	"context"
	"errors"

	"opsgate/internal/domain"
)

// ErrInsufficientCredit is returned when a negative adjustment would take a
// balance below zero.
var ErrInsufficientCredit = errors.New("adjustment would make balance negative")

// ApplyCreditDelta adjusts an account's balance and appends the ledger entry
// in one transaction. It returns the resulting balance.
func (r Repo) ApplyCreditDelta(ctx context.Context, e domain.CreditEntry) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET credit_cents = credit_cents + ? WHERE id=? AND credit_cents + ? >= 0`,
		e.DeltaCents, e.AccountID, e.DeltaCents)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE id=?`, e.AccountID).Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrInsufficientCredit
	}
	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT credit_cents FROM accounts WHERE id=?`, e.AccountID).Scan(&balance); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO credit_ledger(id,account_id,delta_cents,balance_cents,reason,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.AccountID, e.DeltaCents, balance, nullable(e.Reason), e.ActorID, e.CreatedAt); err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

func (r Repo) ListCreditEntries(ctx context.Context, accountID string, limit int) ([]domain.CreditEntry, error) {
	query := `SELECT id,account_id,delta_cents,balance_cents,COALESCE(reason,''),actor_id,created_at FROM credit_ledger WHERE account_id=? ORDER BY created_at DESC, id DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CreditEntry
	for rows.Next() {
		var e domain.CreditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.DeltaCents, &e.BalanceCents, &e.Reason, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
