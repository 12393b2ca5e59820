package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsgate/internal/domain"
	"opsgate/internal/protocol"
	"opsgate/internal/repo"
)

// SuspendAction suspends an account, optionally until a given time.
type SuspendAction struct {
	Env
}

func (SuspendAction) Name() string { return "suspend_account" }

func (a SuspendAction) load(ctx context.Context, params map[string]any) (domain.Account, *string, string, error) {
	accountID, err := stringParam(params, "account_id")
	if err != nil {
		return domain.Account{}, nil, "", err
	}
	reason, err := optionalStringParam(params, "reason")
	if err != nil {
		return domain.Account{}, nil, "", err
	}
	var until *string
	if raw, err := optionalStringParam(params, "suspend_until"); err != nil {
		return domain.Account{}, nil, "", err
	} else if raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.Account{}, nil, "", fmt.Errorf("suspend_until must be an RFC3339 timestamp")
		}
		if !at.After(a.now()) {
			return domain.Account{}, nil, "", fmt.Errorf("suspend_until must be in the future")
		}
		v := at.UTC().Format(time.RFC3339)
		until = &v
	}
	acc, err := a.Repo.GetAccount(ctx, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Account{}, nil, "", fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return domain.Account{}, nil, "", err
	}
	if acc.Status != "active" {
		return domain.Account{}, nil, "", fmt.Errorf("account %s is %s, not active", accountID, acc.Status)
	}
	return acc, until, reason, nil
}

func (a SuspendAction) Preview(ctx context.Context, params map[string]any, actorID string) (protocol.EffectPreview, error) {
	acc, until, reason, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	effect := protocol.EffectPreview{
		"summary":    fmt.Sprintf("suspend account %s (%s)", acc.ID, acc.Email),
		"account_id": acc.ID,
		"segment":    acc.Segment,
	}
	if until != nil {
		effect["suspend_until"] = *until
	}
	if reason != "" {
		effect["reason"] = reason
	}
	return effect, nil
}

func (a SuspendAction) Execute(ctx context.Context, params map[string]any, actorID string) (json.RawMessage, error) {
	acc, until, _, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	suspendedAt := a.nowRFC3339()
	if err := a.Repo.SuspendAccount(ctx, acc.ID, suspendedAt, until); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("account %s is no longer active", acc.ID)
		}
		return nil, err
	}
	result := map[string]any{
		"account_id":   acc.ID,
		"status":       "suspended",
		"suspended_at": suspendedAt,
	}
	if until != nil {
		result["suspend_until"] = *until
	}
	return json.Marshal(result)
}
