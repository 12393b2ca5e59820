package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"opsgate/internal/domain"
	"opsgate/internal/protocol"
	"opsgate/internal/repo"
)

// CommissionAction sets the marketplace commission rate for a service
// category, bounded by the configured min/max.
type CommissionAction struct {
	Env
}

func (CommissionAction) Name() string { return "set_commission" }

func (a CommissionAction) load(ctx context.Context, params map[string]any) (string, int, int, error) {
	category, err := stringParam(params, "category")
	if err != nil {
		return "", 0, 0, err
	}
	bps64, err := int64Param(params, "rate_bps")
	if err != nil {
		return "", 0, 0, err
	}
	bps := int(bps64)
	min, max := a.Cfg.Commission.MinBps, a.Cfg.Commission.MaxBps
	if bps < min || bps > max {
		return "", 0, 0, fmt.Errorf("rate_bps %d outside allowed range [%d, %d]", bps, min, max)
	}
	current := 0
	rate, err := a.Repo.GetCommissionRate(ctx, category)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", 0, 0, err
	}
	if err == nil {
		current = rate.RateBps
	}
	return category, bps, current, nil
}

func (a CommissionAction) Preview(ctx context.Context, params map[string]any, actorID string) (protocol.EffectPreview, error) {
	category, bps, current, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	return protocol.EffectPreview{
		"summary":      fmt.Sprintf("set commission for %s from %d to %d bps", category, current, bps),
		"category":     category,
		"rate_bps":     bps,
		"previous_bps": current,
	}, nil
}

func (a CommissionAction) Execute(ctx context.Context, params map[string]any, actorID string) (json.RawMessage, error) {
	category, bps, current, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	rate := domain.CommissionRate{
		Category:  category,
		RateBps:   bps,
		UpdatedBy: actorID,
		UpdatedAt: a.nowRFC3339(),
	}
	if err := a.Repo.UpsertCommissionRate(ctx, rate); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"category":     category,
		"rate_bps":     bps,
		"previous_bps": current,
	})
}
