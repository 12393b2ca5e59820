package opsgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opsgate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Preview is the response of a preview call. The confirm token binds the
// previewed params and the calling actor; pass both back unchanged to
// Execute.
type Preview struct {
	EffectPreview map[string]any `json:"effect_preview"`
	ConfirmToken  string         `json:"confirm_token"`
	ExpiresAt     string         `json:"expires_at"`
}

// LedgerRecord is one idempotency ledger row.
type LedgerRecord struct {
	Key       string          `json:"key"`
	Operation string          `json:"operation"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID            int64           `json:"id"`
	ActorID       string          `json:"actor_id"`
	Operation     string          `json:"operation"`
	Outcome       string          `json:"outcome"`
	CorrelationID string          `json:"correlation_id"`
	Details       json.RawMessage `json:"details,omitempty"`
	TS            string          `json:"ts"`
}

// ScheduledAction is a persisted future-dated operation.
type ScheduledAction struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
	ActorID   string          `json:"actor_id"`
	RunAt     string          `json:"run_at"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
}

// APIError wraps non-2xx responses. Code carries the protocol error kind
// (payload_mismatch, expired, conflict, ...) so callers can branch without
// parsing messages.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListOperations returns the available operation names.
func (c *Client) ListOperations(ctx context.Context) ([]string, error) {
	var resp struct {
		Operations []string `json:"operations"`
	}
	err := c.do(ctx, http.MethodGet, "v0/ops", nil, &resp)
	return resp.Operations, err
}

// PreviewOperation computes the effect of an operation and mints a confirm
// token without mutating anything.
func (c *Client) PreviewOperation(ctx context.Context, operation string, params map[string]any) (Preview, error) {
	var resp Preview
	endpoint := fmt.Sprintf("v0/ops/%s/preview", url.PathEscape(operation))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"params": params}, &resp)
	return resp, err
}

// ExecuteOperation runs a confirmed operation. Retrying with the same
// idempotency key returns the stored result and performs no further work.
func (c *Client) ExecuteOperation(ctx context.Context, operation, confirmToken, idempotencyKey string, params map[string]any) (json.RawMessage, error) {
	body := map[string]any{
		"params":          params,
		"confirm_token":   confirmToken,
		"idempotency_key": idempotencyKey,
	}
	var resp json.RawMessage
	endpoint := fmt.Sprintf("v0/ops/%s/execute", url.PathEscape(operation))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetLedgerRecord fetches one idempotency record.
func (c *Client) GetLedgerRecord(ctx context.Context, key string) (LedgerRecord, error) {
	var resp LedgerRecord
	endpoint := fmt.Sprintf("v0/ledger/%s", url.PathEscape(key))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListAudit returns recent audit entries, optionally filtered by operation.
func (c *Client) ListAudit(ctx context.Context, limit int, operation string) ([]AuditEntry, error) {
	endpoint := fmt.Sprintf("v0/audit?limit=%d", limit)
	if operation != "" {
		endpoint += "&operation=" + url.QueryEscape(operation)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListScheduled returns scheduled actions, optionally filtered by status.
func (c *Client) ListScheduled(ctx context.Context, status string) ([]ScheduledAction, error) {
	endpoint := "v0/scheduled"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []ScheduledAction
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelScheduled cancels a pending scheduled action.
func (c *Client) CancelScheduled(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("v0/scheduled/%s", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
