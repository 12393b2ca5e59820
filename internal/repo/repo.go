package repo

import (
	"context"
	"database/sql"
	"errors"

	"opsgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r Repo) InsertBooking(ctx context.Context, b domain.Booking) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO bookings(id,customer_id,provider_id,status,amount_cents,refunded_cents,currency,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.CustomerID, b.ProviderID, b.Status, b.AmountCents, b.RefundedCents, b.Currency, b.CreatedAt)
	return err
}

func (r Repo) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,customer_id,provider_id,status,amount_cents,refunded_cents,currency,created_at FROM bookings WHERE id=?`, id)
	var b domain.Booking
	err := row.Scan(&b.ID, &b.CustomerID, &b.ProviderID, &b.Status, &b.AmountCents, &b.RefundedCents, &b.Currency, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// ApplyRefund records the refund and bumps the booking's refunded total in
// one transaction.
func (r Repo) ApplyRefund(ctx context.Context, ref domain.Refund) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET refunded_cents = refunded_cents + ? WHERE id=? AND refunded_cents + ? <= amount_cents`,
		ref.AmountCents, ref.BookingID, ref.AmountCents)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO refunds(id,booking_id,amount_cents,reason,actor_id,created_at) VALUES (?,?,?,?,?,?)`,
		ref.ID, ref.BookingID, ref.AmountCents, nullable(ref.Reason), ref.ActorID, ref.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListRefunds(ctx context.Context, bookingID string) ([]domain.Refund, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,booking_id,amount_cents,COALESCE(reason,''),actor_id,created_at FROM refunds WHERE booking_id=? ORDER BY created_at DESC`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Refund
	for rows.Next() {
		var ref domain.Refund
		if err := rows.Scan(&ref.ID, &ref.BookingID, &ref.AmountCents, &ref.Reason, &ref.ActorID, &ref.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}
