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

// CreditAction adjusts an account's credit balance by a signed delta. The
// balance can never go negative.
type CreditAction struct {
	Env
}

func (CreditAction) Name() string { return "adjust_credit" }

func (a CreditAction) load(ctx context.Context, params map[string]any) (domain.Account, int64, string, error) {
	accountID, err := stringParam(params, "account_id")
	if err != nil {
		return domain.Account{}, 0, "", err
	}
	delta, err := int64Param(params, "delta_cents")
	if err != nil {
		return domain.Account{}, 0, "", err
	}
	if delta == 0 {
		return domain.Account{}, 0, "", fmt.Errorf("delta_cents must be non-zero")
	}
	reason, err := optionalStringParam(params, "reason")
	if err != nil {
		return domain.Account{}, 0, "", err
	}
	acc, err := a.Repo.GetAccount(ctx, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Account{}, 0, "", fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return domain.Account{}, 0, "", err
	}
	if acc.CreditCents+delta < 0 {
		return domain.Account{}, 0, "", fmt.Errorf("adjustment of %d would leave balance %d negative", delta, acc.CreditCents+delta)
	}
	return acc, delta, reason, nil
}

func (a CreditAction) Preview(ctx context.Context, params map[string]any, actorID string) (protocol.EffectPreview, error) {
	acc, delta, _, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	return protocol.EffectPreview{
		"summary":       fmt.Sprintf("adjust credit of account %s by %d cents", acc.ID, delta),
		"account_id":    acc.ID,
		"delta_cents":   delta,
		"balance_after": acc.CreditCents + delta,
	}, nil
}

func (a CreditAction) Execute(ctx context.Context, params map[string]any, actorID string) (json.RawMessage, error) {
	acc, delta, reason, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	entry := domain.CreditEntry{
		ID:         uuid.New().String(),
		AccountID:  acc.ID,
		DeltaCents: delta,
		Reason:     reason,
		ActorID:    actorID,
		CreatedAt:  a.nowRFC3339(),
	}
	balance, err := a.Repo.ApplyCreditDelta(ctx, entry)
	if err != nil {
		if errors.Is(err, repo.ErrInsufficientCredit) || errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("adjustment of %d no longer applies to account %s", delta, acc.ID)
		}
		return nil, err
	}
	return json.Marshal(map[string]any{
		"entry_id":      entry.ID,
		"account_id":    acc.ID,
		"delta_cents":   delta,
		"balance_cents": balance,
	})
}
