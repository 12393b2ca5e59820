// Package protocol implements the preview/confirm/execute contract shared by
// every sensitive operation. Preview computes an effect and mints a token
// binding it to the actor; execute revalidates the token against the call's
// own parameters, passes the idempotency gate exactly once, performs the
// mutation, and replays the stored result on every retry.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"opsgate/internal/audit"
	"opsgate/internal/confirm"
	"opsgate/internal/idempotency"
)

// EffectPreview describes the proposed effect of an operation without
// performing it.
type EffectPreview map[string]any

// Action is one sensitive operation. Preview must be read-only; Execute
// performs the mutation and returns the result payload that will be cached
// verbatim for replays. Domain errors returned by Execute keep the
// idempotency key retryable.
type Action interface {
	Name() string
	Preview(ctx context.Context, params map[string]any, actorID string) (EffectPreview, error)
	Execute(ctx context.Context, params map[string]any, actorID string) (json.RawMessage, error)
}

// Scheduler persists a future-dated action; running it later is an external
// scheduler's job, not this package's.
type Scheduler interface {
	Schedule(ctx context.Context, operation string, params map[string]any, actorID string, runAt time.Time) (string, error)
}

// PreviewResult is returned to the caller for review.
type PreviewResult struct {
	Effect       EffectPreview `json:"effect_preview"`
	ConfirmToken string        `json:"confirm_token"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// ExecuteRequest carries everything execute needs. Params are the parameters
// being executed now and must canonicalize to what was previewed; Extra is
// unbound context (notes, correlation ids) that does not affect the token.
type ExecuteRequest struct {
	ConfirmToken   string
	IdempotencyKey string
	ActorID        string
	Params         map[string]any
	Extra          map[string]any
}

// Orchestrator composes the token service, the idempotency ledger and the
// audit recorder into the uniform execute pipeline.
type Orchestrator struct {
	Tokens *confirm.Service
	Ledger idempotency.Ledger
	Audit  audit.Recorder
	Sched  Scheduler
	Now    func() time.Time
}

func (o Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Preview computes the proposed effect and mints a confirm token over the
// canonicalized params and the acting identity. No state is mutated.
func (o Orchestrator) Preview(ctx context.Context, action Action, params map[string]any, actorID string) (PreviewResult, error) {
	effect, err := action.Preview(ctx, params, actorID)
	if err != nil {
		return PreviewResult{}, &DomainError{Op: action.Name(), Err: err}
	}
	token, expires, err := o.Tokens.Generate(params, actorID)
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{Effect: effect, ConfirmToken: token, ExpiresAt: expires}, nil
}

// Execute runs the side-effecting step. Token and conflict failures are
// detected before any side effect and are always safe to retry after a fresh
// preview; a replayed key returns the stored result without further work.
func (o Orchestrator) Execute(ctx context.Context, action Action, req ExecuteRequest) (json.RawMessage, error) {
	if err := o.Tokens.Validate(req.ConfirmToken, req.Params, req.ActorID); err != nil {
		return nil, err
	}

	gate, err := o.Ledger.Begin(ctx, req.IdempotencyKey, action.Name())
	if err != nil {
		return nil, err
	}
	if gate.AlreadyStarted {
		if gate.Result != nil {
			return gate.Result, nil
		}
		return nil, &ConflictError{Key: req.IdempotencyKey}
	}

	result, outcome, err := o.perform(ctx, action, req)
	if err != nil {
		// The reservation is dropped so the same key can retry once the
		// domain condition is fixed; completed records never revert.
		if relErr := o.Ledger.Release(ctx, req.IdempotencyKey); relErr != nil {
			o.Audit.Record(ctx, audit.Entry{
				ActorID:   req.ActorID,
				Operation: action.Name(),
				Outcome:   "release_failed",
				Details:   map[string]any{"idempotency_key": req.IdempotencyKey, "error": relErr.Error()},
			})
		}
		o.Audit.Record(ctx, audit.Entry{
			ActorID:   req.ActorID,
			Operation: action.Name(),
			Outcome:   "failed",
			Details:   map[string]any{"idempotency_key": req.IdempotencyKey, "error": err.Error()},
		})
		return nil, &DomainError{Op: action.Name(), Err: err}
	}

	if err := o.Ledger.Complete(ctx, req.IdempotencyKey, result); err != nil {
		return nil, err
	}
	o.Audit.Record(ctx, audit.Entry{
		ActorID:   req.ActorID,
		Operation: action.Name(),
		Outcome:   outcome,
		Details:   map[string]any{"idempotency_key": req.IdempotencyKey, "result": json.RawMessage(result)},
	})
	return result, nil
}

// perform runs either the mutation or, for future-dated params, the
// scheduled variant that persists a marker instead of executing.
func (o Orchestrator) perform(ctx context.Context, action Action, req ExecuteRequest) (json.RawMessage, string, error) {
	runAt, scheduled, err := scheduleAt(req.Params, o.now())
	if err != nil {
		return nil, "", err
	}
	if scheduled {
		if o.Sched == nil {
			return nil, "", fmt.Errorf("operation %s does not support scheduling", action.Name())
		}
		id, err := o.Sched.Schedule(ctx, action.Name(), req.Params, req.ActorID, runAt)
		if err != nil {
			return nil, "", err
		}
		result, err := json.Marshal(map[string]any{
			"status":       "scheduled",
			"scheduled_id": id,
			"run_at":       runAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, "", err
		}
		return result, "scheduled", nil
	}
	result, err := action.Execute(ctx, req.Params, req.ActorID)
	if err != nil {
		return nil, "", err
	}
	return result, "completed", nil
}

// scheduleAt extracts a future schedule_at from params. A present but
// unparsable value is a domain error; a past value runs immediately.
func scheduleAt(params map[string]any, now time.Time) (time.Time, bool, error) {
	raw, ok := params["schedule_at"]
	if !ok || raw == nil {
		return time.Time{}, false, nil
	}
	str, ok := raw.(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("schedule_at must be an RFC3339 timestamp")
	}
	at, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("schedule_at must be an RFC3339 timestamp: %w", err)
	}
	if !at.After(now) {
		return time.Time{}, false, nil
	}
	return at, true, nil
}
