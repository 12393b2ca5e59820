package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opsgate/internal/domain"
	"opsgate/internal/protocol"
	"opsgate/internal/repo"
)

// RefundAction refunds part or all of a booking's amount back to the
// customer. The refunded total can never exceed the booking amount.
type RefundAction struct {
	Env
}

func (RefundAction) Name() string { return "refund" }

func (a RefundAction) load(ctx context.Context, params map[string]any) (domain.Booking, int64, string, error) {
	bookingID, err := stringParam(params, "booking_id")
	if err != nil {
		return domain.Booking{}, 0, "", err
	}
	amount, err := int64Param(params, "amount_cents")
	if err != nil {
		return domain.Booking{}, 0, "", err
	}
	if amount <= 0 {
		return domain.Booking{}, 0, "", fmt.Errorf("amount_cents must be positive")
	}
	reason, err := optionalStringParam(params, "reason")
	if err != nil {
		return domain.Booking{}, 0, "", err
	}
	b, err := a.Repo.GetBooking(ctx, bookingID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Booking{}, 0, "", fmt.Errorf("booking %s not found", bookingID)
	}
	if err != nil {
		return domain.Booking{}, 0, "", err
	}
	remaining := b.AmountCents - b.RefundedCents
	if remaining <= 0 {
		return domain.Booking{}, 0, "", fmt.Errorf("booking %s is already fully refunded", bookingID)
	}
	if amount > remaining {
		return domain.Booking{}, 0, "", fmt.Errorf("refund of %d exceeds refundable remainder %d", amount, remaining)
	}
	return b, amount, reason, nil
}

func (a RefundAction) Preview(ctx context.Context, params map[string]any, actorID string) (protocol.EffectPreview, error) {
	b, amount, _, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	return protocol.EffectPreview{
		"summary":         fmt.Sprintf("refund %d %s cents of booking %s to customer %s", amount, b.Currency, b.ID, b.CustomerID),
		"booking_id":      b.ID,
		"customer_id":     b.CustomerID,
		"amount_cents":    amount,
		"remaining_after": b.AmountCents - b.RefundedCents - amount,
	}, nil
}

func (a RefundAction) Execute(ctx context.Context, params map[string]any, actorID string) (json.RawMessage, error) {
	b, amount, reason, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	ref := domain.Refund{
		ID:          uuid.New().String(),
		BookingID:   b.ID,
		AmountCents: amount,
		Reason:      reason,
		ActorID:     actorID,
		CreatedAt:   a.nowRFC3339(),
	}
	if err := a.Repo.ApplyRefund(ctx, ref); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("refund of %d no longer fits booking %s", amount, b.ID)
		}
		return nil, err
	}
	return json.Marshal(map[string]any{
		"refund_id":       ref.ID,
		"booking_id":      b.ID,
		"amount_cents":    amount,
		"remaining_after": b.AmountCents - b.RefundedCents - amount,
	})
}
