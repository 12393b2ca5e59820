package domain

import "encoding/json"

type Booking struct {
	ID            string `json:"id"`
	CustomerID    string `json:"customer_id"`
	ProviderID    string `json:"provider_id"`
	Status        string `json:"status" enum:"pending,confirmed,completed,canceled"`
	AmountCents   int64  `json:"amount_cents"`
	RefundedCents int64  `json:"refunded_cents"`
	Currency      string `json:"currency"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Refund struct {
	ID          string `json:"id"`
	BookingID   string `json:"booking_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Account struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	Segment      string  `json:"segment" enum:"customer,provider,admin"`
	Status       string  `json:"status" enum:"active,suspended,closed"`
	CreditCents  int64   `json:"credit_cents"`
	SuspendedAt  *string `json:"suspended_at,omitempty" format:"date-time"`
	SuspendUntil *string `json:"suspend_until,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type CreditEntry struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	DeltaCents   int64  `json:"delta_cents"`
	BalanceCents int64  `json:"balance_cents"`
	Reason       string `json:"reason,omitempty"`
	ActorID      string `json:"actor_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type CommissionRate struct {
	Category  string `json:"category"`
	RateBps   int    `json:"rate_bps"`
	UpdatedBy string `json:"updated_by"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Broadcast struct {
	ID        string `json:"id"`
	Segment   string `json:"segment"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Status    string `json:"status" enum:"sent,scheduled"`
	Audience  int    `json:"audience"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// IdempotencyRecord is the persisted dedup ledger row. A key is reserved
// in_progress by exactly one execution; once completed it answers every
// replay with the stored result verbatim.
type IdempotencyRecord struct {
	Key        string  `json:"key"`
	Operation  string  `json:"operation"`
	Status     string  `json:"status" enum:"in_progress,completed"`
	ResultJSON *string `json:"result_json,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// AuditEntry is an append-only record of an attempted or executed sensitive
// operation. Writes are best-effort and never block the operation itself.
type AuditEntry struct {
	ID            int64           `json:"id"`
	ActorID       string          `json:"actor_id"`
	Operation     string          `json:"operation"`
	Outcome       string          `json:"outcome"`
	CorrelationID string          `json:"correlation_id"`
	Details       json.RawMessage `json:"details,omitempty"`
	TS            string          `json:"ts" format:"date-time"`
}

type ScheduledAction struct {
	ID         string `json:"id"`
	Operation  string `json:"operation"`
	ParamsJSON string `json:"params_json"`
	ActorID    string `json:"actor_id"`
	RunAt      string `json:"run_at" format:"date-time"`
	Status     string `json:"status" enum:"pending,dispatched,canceled"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
