package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"opsgate/internal/domain"
	"opsgate/internal/protocol"
)

// BroadcastAction records a bulk message to a segment of active accounts.
// Delivery itself is downstream; this operation fixes the audience and makes
// the send auditable.
type BroadcastAction struct {
	Env
}

func (BroadcastAction) Name() string { return "broadcast" }

func (a BroadcastAction) load(ctx context.Context, params map[string]any) (string, string, string, int, error) {
	segment, err := stringParam(params, "segment")
	if err != nil {
		return "", "", "", 0, err
	}
	subject, err := stringParam(params, "subject")
	if err != nil {
		return "", "", "", 0, err
	}
	body, err := stringParam(params, "body")
	if err != nil {
		return "", "", "", 0, err
	}
	if !a.validSegment(segment) {
		return "", "", "", 0, fmt.Errorf("unknown segment %q", segment)
	}
	audience, err := a.Repo.CountBySegment(ctx, segment)
	if err != nil {
		return "", "", "", 0, err
	}
	return segment, subject, body, audience, nil
}

func (a BroadcastAction) validSegment(segment string) bool {
	if segment == "all" {
		return true
	}
	for _, s := range a.Cfg.Broadcast.Segments {
		if s == segment {
			return true
		}
	}
	return false
}

func (a BroadcastAction) Preview(ctx context.Context, params map[string]any, actorID string) (protocol.EffectPreview, error) {
	segment, subject, _, audience, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	return protocol.EffectPreview{
		"summary":  fmt.Sprintf("send %q to %d active accounts in segment %s", subject, audience, segment),
		"segment":  segment,
		"audience": audience,
	}, nil
}

func (a BroadcastAction) Execute(ctx context.Context, params map[string]any, actorID string) (json.RawMessage, error) {
	segment, subject, body, audience, err := a.load(ctx, params)
	if err != nil {
		return nil, err
	}
	b := domain.Broadcast{
		ID:        uuid.New().String(),
		Segment:   segment,
		Subject:   subject,
		Body:      body,
		Status:    "sent",
		Audience:  audience,
		ActorID:   actorID,
		CreatedAt: a.nowRFC3339(),
	}
	if err := a.Repo.InsertBroadcast(ctx, b); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"broadcast_id": b.ID,
		"segment":      segment,
		"audience":     audience,
	})
}
