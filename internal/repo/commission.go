package repo

import (
	"context"
	"database/sql"

	"opsgate/internal/domain"
)

func (r Repo) GetCommissionRate(ctx context.Context, category string) (domain.CommissionRate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT category,rate_bps,updated_by,updated_at FROM commission_rates WHERE category=?`, category)
	var c domain.CommissionRate
	err := row.Scan(&c.Category, &c.RateBps, &c.UpdatedBy, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) UpsertCommissionRate(ctx context.Context, c domain.CommissionRate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO commission_rates(category,rate_bps,updated_by,updated_at) VALUES (?,?,?,?)
ON CONFLICT(category) DO UPDATE SET rate_bps=excluded.rate_bps, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		c.Category, c.RateBps, c.UpdatedBy, c.UpdatedAt)
	return err
}

func (r Repo) ListCommissionRates(ctx context.Context) ([]domain.CommissionRate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT category,rate_bps,updated_by,updated_at FROM commission_rates ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommissionRate
	for rows.Next() {
		var c domain.CommissionRate
		if err := rows.Scan(&c.Category, &c.RateBps, &c.UpdatedBy, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
