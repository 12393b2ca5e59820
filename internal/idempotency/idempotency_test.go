package idempotency_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"opsgate/internal/db"
	"opsgate/internal/idempotency"
	"opsgate/internal/migrate"
)

func newTestLedger(t *testing.T) idempotency.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// Serialize writer access; sqlite is the arbiter of the unique constraint.
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return idempotency.Ledger{DB: conn}
}

func TestBeginReservesKeyOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Begin(ctx, "K1", "refund")
	if err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if first.AlreadyStarted {
		t.Fatalf("first caller must own the execution")
	}

	second, err := l.Begin(ctx, "K1", "refund")
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if !second.AlreadyStarted || second.Result != nil {
		t.Fatalf("expected in-flight conflict, got %+v", second)
	}
}

func TestCompleteThenReplay(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Begin(ctx, "K1", "broadcast"); err != nil {
		t.Fatal(err)
	}
	stored := json.RawMessage(`{"status":"sent"}`)
	if err := l.Complete(ctx, "K1", stored); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err := l.Begin(ctx, "K1", "broadcast")
	if err != nil {
		t.Fatal(err)
	}
	if !replay.AlreadyStarted {
		t.Fatalf("expected replay")
	}
	if string(replay.Result) != string(stored) {
		t.Fatalf("replay result %s, want %s", replay.Result, stored)
	}

	// Completed records never revert.
	if err := l.Complete(ctx, "K1", json.RawMessage(`{"status":"other"}`)); err == nil {
		t.Fatalf("expected error completing a completed key")
	}
}

func TestCompleteRequiresReservation(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Complete(context.Background(), "never-started", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unreserved key")
	}
}

func TestReleaseKeepsKeyRetryable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Begin(ctx, "K1", "refund"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "K1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	retry, err := l.Begin(ctx, "K1", "refund")
	if err != nil {
		t.Fatal(err)
	}
	if retry.AlreadyStarted {
		t.Fatalf("released key must be retryable")
	}

	// Release must not touch completed records.
	if err := l.Complete(ctx, "K1", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "K1"); err != nil {
		t.Fatal(err)
	}
	rec, err := l.Get(ctx, "K1")
	if err != nil {
		t.Fatalf("completed record must survive release: %v", err)
	}
	if rec.Status != idempotency.StatusCompleted {
		t.Fatalf("status %s, want completed", rec.Status)
	}
}

func TestConcurrentBeginSingleWinner(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]idempotency.BeginResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Begin(ctx, "K-race", "suspend_account")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].AlreadyStarted {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
