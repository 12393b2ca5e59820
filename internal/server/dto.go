package server

import (
	"encoding/json"

	"opsgate/internal/domain"
)

// Request payloads

type PreviewRequest struct {
	Params map[string]any `json:"params" jsonschema:"type=object,additionalProperties=true"`
}

type ExecuteRequest struct {
	Params         map[string]any `json:"params" jsonschema:"type=object,additionalProperties=true"`
	ConfirmToken   string         `json:"confirm_token"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Extra          map[string]any `json:"extra,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type PreviewResponse struct {
	EffectPreview map[string]any `json:"effect_preview" jsonschema:"type=object,additionalProperties=true"`
	ConfirmToken  string         `json:"confirm_token"`
	ExpiresAt     string         `json:"expires_at" format:"date-time"`
}

type OperationsResponse struct {
	Operations []string `json:"operations"`
}

type LedgerRecordResponse struct {
	Key       string          `json:"key"`
	Operation string          `json:"operation"`
	Status    string          `json:"status" enum:"in_progress,completed"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

func ledgerRecordResponse(rec domain.IdempotencyRecord) LedgerRecordResponse {
	out := LedgerRecordResponse{
		Key:       rec.Key,
		Operation: rec.Operation,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
	}
	if rec.ResultJSON != nil {
		out.Result = json.RawMessage(*rec.ResultJSON)
	}
	return out
}

type AuditEntryResponse struct {
	ID            int64           `json:"id"`
	ActorID       string          `json:"actor_id"`
	Operation     string          `json:"operation"`
	Outcome       string          `json:"outcome"`
	CorrelationID string          `json:"correlation_id"`
	Details       json.RawMessage `json:"details,omitempty"`
	TS            string          `json:"ts" format:"date-time"`
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:            e.ID,
		ActorID:       e.ActorID,
		Operation:     e.Operation,
		Outcome:       e.Outcome,
		CorrelationID: e.CorrelationID,
		Details:       e.Details,
		TS:            e.TS,
	}
}

type ScheduledActionResponse struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
	ActorID   string          `json:"actor_id"`
	RunAt     string          `json:"run_at" format:"date-time"`
	Status    string          `json:"status" enum:"pending,dispatched,canceled"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

func scheduledActionResponse(a domain.ScheduledAction) ScheduledActionResponse {
	return ScheduledActionResponse{
		ID:        a.ID,
		Operation: a.Operation,
		Params:    json.RawMessage(a.ParamsJSON),
		ActorID:   a.ActorID,
		RunAt:     a.RunAt,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
	}
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
