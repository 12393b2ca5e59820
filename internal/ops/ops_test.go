package ops_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"opsgate/internal/config"
	"opsgate/internal/db"
	"opsgate/internal/domain"
	"opsgate/internal/migrate"
	"opsgate/internal/ops"
	"opsgate/internal/repo"
)

func newTestEnv(t *testing.T) ops.Env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ops.Env{Repo: repo.Repo{DB: conn}, Cfg: config.Default()}
}

func seedAccount(t *testing.T, env ops.Env, a domain.Account) {
	t.Helper()
	if a.Status == "" {
		a.Status = "active"
	}
	if a.Segment == "" {
		a.Segment = "customer"
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := env.Repo.InsertAccount(context.Background(), a); err != nil {
		t.Fatalf("insert account: %v", err)
	}
}

func seedBooking(t *testing.T, env ops.Env, b domain.Booking) {
	t.Helper()
	seedAccount(t, env, domain.Account{ID: b.CustomerID, Email: b.CustomerID + "@example.test"})
	seedAccount(t, env, domain.Account{ID: b.ProviderID, Email: b.ProviderID + "@example.test", Segment: "provider"})
	if b.Status == "" {
		b.Status = "confirmed"
	}
	if b.Currency == "" {
		b.Currency = "EUR"
	}
	if b.CreatedAt == "" {
		b.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := env.Repo.InsertBooking(context.Background(), b); err != nil {
		t.Fatalf("insert booking: %v", err)
	}
}

func TestRefundPartialThenOverdraw(t *testing.T) {
	env := newTestEnv(t)
	seedBooking(t, env, domain.Booking{ID: "B-1", CustomerID: "C-1", ProviderID: "P-1", AmountCents: 10000})
	action := ops.RefundAction{Env: env}
	ctx := context.Background()

	effect, err := action.Preview(ctx, map[string]any{"booking_id": "B-1", "amount_cents": 4000}, "admin-1")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if effect["remaining_after"] != int64(6000) {
		t.Fatalf("remaining_after = %v, want 6000", effect["remaining_after"])
	}

	if _, err := action.Execute(ctx, map[string]any{"booking_id": "B-1", "amount_cents": 4000}, "admin-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	b, err := env.Repo.GetBooking(ctx, "B-1")
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if b.RefundedCents != 4000 {
		t.Fatalf("refunded_cents = %d, want 4000", b.RefundedCents)
	}
	refunds, err := env.Repo.ListRefunds(ctx, "B-1")
	if err != nil {
		t.Fatalf("list refunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].AmountCents != 4000 || refunds[0].ActorID != "admin-1" {
		t.Fatalf("unexpected refund rows: %+v", refunds)
	}

	// The remaining 6000 is the ceiling now.
	_, err = action.Execute(ctx, map[string]any{"booking_id": "B-1", "amount_cents": 7000}, "admin-1")
	if err == nil || !strings.Contains(err.Error(), "exceeds refundable remainder") {
		t.Fatalf("got %v, want overdraw rejection", err)
	}
}

func TestRefundFullyRefundedBooking(t *testing.T) {
	env := newTestEnv(t)
	seedBooking(t, env, domain.Booking{ID: "B-2", CustomerID: "C-2", ProviderID: "P-2", AmountCents: 5000, RefundedCents: 5000})
	action := ops.RefundAction{Env: env}

	_, err := action.Preview(context.Background(), map[string]any{"booking_id": "B-2", "amount_cents": 1}, "admin-1")
	if err == nil || !strings.Contains(err.Error(), "already fully refunded") {
		t.Fatalf("got %v, want fully-refunded rejection", err)
	}
}

func TestSuspendActiveAccountOnly(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, domain.Account{ID: "A-1", Email: "a1@example.test"})
	action := ops.SuspendAction{Env: env}
	ctx := context.Background()

	if _, err := action.Execute(ctx, map[string]any{"account_id": "A-1"}, "admin-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	acc, err := env.Repo.GetAccount(ctx, "A-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Status != "suspended" || acc.SuspendedAt == nil {
		t.Fatalf("account not suspended: %+v", acc)
	}

	_, err = action.Preview(ctx, map[string]any{"account_id": "A-1"}, "admin-1")
	if err == nil || !strings.Contains(err.Error(), "not active") {
		t.Fatalf("got %v, want already-suspended rejection", err)
	}
}

func TestSuspendUntilMustBeFuture(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, domain.Account{ID: "A-2", Email: "a2@example.test"})
	action := ops.SuspendAction{Env: env}

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	_, err := action.Preview(context.Background(), map[string]any{"account_id": "A-2", "suspend_until": past}, "admin-1")
	if err == nil || !strings.Contains(err.Error(), "future") {
		t.Fatalf("got %v, want future-timestamp rejection", err)
	}
}

func TestAdjustCreditGuardsNegativeBalance(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, domain.Account{ID: "A-3", Email: "a3@example.test", CreditCents: 1000})
	action := ops.CreditAction{Env: env}
	ctx := context.Background()

	_, err := action.Preview(ctx, map[string]any{"account_id": "A-3", "delta_cents": -1500}, "admin-1")
	if err == nil || !strings.Contains(err.Error(), "negative") {
		t.Fatalf("got %v, want negative-balance rejection", err)
	}

	if _, err := action.Execute(ctx, map[string]any{"account_id": "A-3", "delta_cents": -1000, "reason": "goodwill reversal"}, "admin-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	acc, err := env.Repo.GetAccount(ctx, "A-3")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.CreditCents != 0 {
		t.Fatalf("credit_cents = %d, want 0", acc.CreditCents)
	}
	entries, err := env.Repo.ListCreditEntries(ctx, "A-3", 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].BalanceCents != 0 {
		t.Fatalf("unexpected ledger entries: %+v", entries)
	}
}

func TestSetCommissionBounds(t *testing.T) {
	env := newTestEnv(t)
	action := ops.CommissionAction{Env: env}
	ctx := context.Background()

	_, err := action.Preview(ctx, map[string]any{"category": "cleaning", "rate_bps": env.Cfg.Commission.MaxBps + 1}, "admin-1")
	if err == nil || !strings.Contains(err.Error(), "outside allowed range") {
		t.Fatalf("got %v, want range rejection", err)
	}

	if _, err := action.Execute(ctx, map[string]any{"category": "cleaning", "rate_bps": 1200}, "admin-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	rate, err := env.Repo.GetCommissionRate(ctx, "cleaning")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if rate.RateBps != 1200 || rate.UpdatedBy != "admin-1" {
		t.Fatalf("unexpected rate: %+v", rate)
	}

	// Upsert overwrites, it does not append.
	if _, err := action.Execute(ctx, map[string]any{"category": "cleaning", "rate_bps": 900}, "admin-2"); err != nil {
		t.Fatalf("execute second: %v", err)
	}
	rates, err := env.Repo.ListCommissionRates(ctx)
	if err != nil {
		t.Fatalf("list rates: %v", err)
	}
	if len(rates) != 1 || rates[0].RateBps != 900 {
		t.Fatalf("unexpected rates: %+v", rates)
	}
}

func TestBroadcastAudienceAndSegments(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env, domain.Account{ID: "C-10", Email: "c10@example.test"})
	seedAccount(t, env, domain.Account{ID: "C-11", Email: "c11@example.test"})
	seedAccount(t, env, domain.Account{ID: "P-10", Email: "p10@example.test", Segment: "provider"})
	seedAccount(t, env, domain.Account{ID: "C-12", Email: "c12@example.test", Status: "suspended"})
	action := ops.BroadcastAction{Env: env}
	ctx := context.Background()

	effect, err := action.Preview(ctx, map[string]any{"segment": "customer", "subject": "Maintenance", "body": "Heads up."}, "admin-1")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if effect["audience"] != 2 {
		t.Fatalf("audience = %v, want 2 (suspended excluded)", effect["audience"])
	}

	_, err = action.Preview(ctx, map[string]any{"segment": "robots", "subject": "x", "body": "y"}, "admin-1")
	if err == nil || !strings.Contains(err.Error(), "unknown segment") {
		t.Fatalf("got %v, want unknown-segment rejection", err)
	}

	if _, err := action.Execute(ctx, map[string]any{"segment": "all", "subject": "Hello", "body": "World"}, "admin-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	sent, err := env.Repo.ListBroadcasts(ctx, 0)
	if err != nil {
		t.Fatalf("list broadcasts: %v", err)
	}
	if len(sent) != 1 || sent[0].Audience != 3 {
		t.Fatalf("unexpected broadcasts: %+v", sent)
	}
}

func TestRegistryNames(t *testing.T) {
	env := newTestEnv(t)
	reg := ops.Registry(env)
	want := []string{"adjust_credit", "broadcast", "refund", "set_commission", "suspend_account"}
	got := ops.Names(reg)
	if len(got) != len(want) {
		t.Fatalf("registry = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("registry = %v, want %v", got, want)
		}
	}
}
