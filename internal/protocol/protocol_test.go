package protocol_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsgate/internal/audit"
	"opsgate/internal/confirm"
	"opsgate/internal/db"
	"opsgate/internal/idempotency"
	"opsgate/internal/migrate"
	"opsgate/internal/protocol"
)

type countingAction struct {
	name       string
	executions atomic.Int64
	fail       error
}

func (a *countingAction) Name() string { return a.name }

func (a *countingAction) Preview(ctx context.Context, params map[string]any, actorID string) (protocol.EffectPreview, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	return protocol.EffectPreview{"summary": "would do the thing"}, nil
}

func (a *countingAction) Execute(ctx context.Context, params map[string]any, actorID string) (json.RawMessage, error) {
	n := a.executions.Add(1)
	if a.fail != nil {
		return nil, a.fail
	}
	return json.RawMessage(fmt.Sprintf(`{"execution":%d}`, n)), nil
}

type memoryScheduler struct {
	entries []time.Time
}

func (s *memoryScheduler) Schedule(ctx context.Context, operation string, params map[string]any, actorID string, runAt time.Time) (string, error) {
	s.entries = append(s.entries, runAt)
	return fmt.Sprintf("sched-%d", len(s.entries)), nil
}

func newTestOrchestrator(t *testing.T) (protocol.Orchestrator, *sql.DB, *memoryScheduler) {
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
	tokens, err := confirm.New("test-secret", confirm.DefaultTTL)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	sched := &memoryScheduler{}
	o := protocol.Orchestrator{
		Tokens: tokens,
		Ledger: idempotency.Ledger{DB: conn},
		Audit:  audit.Recorder{DB: conn, Logger: log.New(io.Discard, "", 0)},
		Sched:  sched,
	}
	return o, conn, sched
}

func preview(t *testing.T, o protocol.Orchestrator, action protocol.Action, params map[string]any, actor string) protocol.PreviewResult {
	t.Helper()
	res, err := o.Preview(context.Background(), action, params, actor)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if res.ConfirmToken == "" {
		t.Fatalf("preview returned no confirm token")
	}
	return res
}

func TestExecuteRunsOnceAndReplays(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	action := &countingAction{name: "refund"}
	params := map[string]any{"booking_id": "B-1", "amount": 50}

	res := preview(t, o, action, params, "admin-1")
	req := protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-once",
		ActorID:        "admin-1",
		Params:         params,
	}

	first, err := o.Execute(context.Background(), action, req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	for i := 0; i < 3; i++ {
		replay, err := o.Execute(context.Background(), action, req)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if string(replay) != string(first) {
			t.Fatalf("replay returned %s, want stored result %s", replay, first)
		}
	}
	if got := action.executions.Load(); got != 1 {
		t.Fatalf("action executed %d times, want exactly 1", got)
	}
}

func TestConcurrentExecuteSingleMutation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	action := &countingAction{name: "refund"}
	params := map[string]any{"booking_id": "B-7", "amount": 10}

	res := preview(t, o, action, params, "admin-1")
	req := protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-race",
		ActorID:        "admin-1",
		Params:         params,
	}

	const n = 16
	results := make([]json.RawMessage, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = o.Execute(context.Background(), action, req)
		}(i)
	}
	close(start)
	wg.Wait()

	if got := action.executions.Load(); got != 1 {
		t.Fatalf("action executed %d times, want exactly 1", got)
	}
	var successes int
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			successes++
			if string(results[i]) != `{"execution":1}` {
				t.Fatalf("call %d returned %s, want the single stored result", i, results[i])
			}
			continue
		}
		// A caller racing the in-flight winner sees a conflict, never a
		// second mutation.
		var conflict *protocol.ConflictError
		if !errors.As(errs[i], &conflict) {
			t.Fatalf("call %d failed with %v, want ConflictError", i, errs[i])
		}
		if conflict.Key != "K-race" {
			t.Fatalf("call %d conflict names key %q, want K-race", i, conflict.Key)
		}
	}
	if successes == 0 {
		t.Fatalf("no call returned the stored result")
	}
}

func TestExecuteRejectsTamperedParams(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	action := &countingAction{name: "refund"}
	params := map[string]any{"booking_id": "B-1", "amount": 50}

	res := preview(t, o, action, params, "admin-1")
	_, err := o.Execute(context.Background(), action, protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-tamper",
		ActorID:        "admin-1",
		Params:         map[string]any{"booking_id": "B-1", "amount": 500},
	})
	if protocol.KindOf(err) != string(confirm.KindPayloadMismatch) {
		t.Fatalf("got %v, want payload_mismatch", err)
	}
	if action.executions.Load() != 0 {
		t.Fatalf("token failure must not reach the action")
	}
}

func TestExecuteConflictWhileInFlight(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	action := &countingAction{name: "refund"}
	params := map[string]any{"booking_id": "B-2"}

	// Simulate a first execution that reserved the key and is still running.
	ledger := idempotency.Ledger{DB: conn}
	if _, err := ledger.Begin(context.Background(), "K-flight", "refund"); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	res := preview(t, o, action, params, "admin-1")
	_, err := o.Execute(context.Background(), action, protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-flight",
		ActorID:        "admin-1",
		Params:         params,
	})
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want ConflictError", err)
	}
	if conflict.Key != "K-flight" {
		t.Fatalf("conflict names key %q, want K-flight", conflict.Key)
	}
	if action.executions.Load() != 0 {
		t.Fatalf("conflicting execute must not run the action")
	}
}

func TestDomainErrorLeavesKeyRetryable(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	action := &countingAction{name: "refund", fail: errors.New("booking already refunded")}
	params := map[string]any{"booking_id": "B-3"}

	res := preview(t, o, action, params, "admin-1")
	req := protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-retry",
		ActorID:        "admin-1",
		Params:         params,
	}
	_, err := o.Execute(context.Background(), action, req)
	var domain *protocol.DomainError
	if !errors.As(err, &domain) {
		t.Fatalf("got %v, want DomainError", err)
	}

	// Once the domain condition clears, the same key must succeed.
	action.fail = nil
	result, err := o.Execute(context.Background(), action, req)
	if err != nil {
		t.Fatalf("retry after domain error: %v", err)
	}
	if len(result) == 0 {
		t.Fatalf("retry returned empty result")
	}
}

func TestFutureScheduleAtPersistsMarker(t *testing.T) {
	o, _, sched := newTestOrchestrator(t)
	action := &countingAction{name: "suspend_account"}
	runAt := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	params := map[string]any{"account_id": "A-1", "schedule_at": runAt.Format(time.RFC3339)}

	res := preview(t, o, action, params, "admin-1")
	result, err := o.Execute(context.Background(), action, protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-sched",
		ActorID:        "admin-1",
		Params:         params,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["status"] != "scheduled" {
		t.Fatalf("result status = %v, want scheduled", decoded["status"])
	}
	if action.executions.Load() != 0 {
		t.Fatalf("future-dated execute must not run the mutation now")
	}
	if len(sched.entries) != 1 || !sched.entries[0].Equal(runAt) {
		t.Fatalf("scheduler entries = %v, want one at %v", sched.entries, runAt)
	}
}

func TestPastScheduleAtRunsImmediately(t *testing.T) {
	o, _, sched := newTestOrchestrator(t)
	action := &countingAction{name: "suspend_account"}
	params := map[string]any{
		"account_id":  "A-1",
		"schedule_at": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}

	res := preview(t, o, action, params, "admin-1")
	_, err := o.Execute(context.Background(), action, protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-past",
		ActorID:        "admin-1",
		Params:         params,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if action.executions.Load() != 1 {
		t.Fatalf("past schedule_at should execute immediately")
	}
	if len(sched.entries) != 0 {
		t.Fatalf("past schedule_at must not persist a scheduled marker")
	}
}

func TestAuditRecordsOutcome(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	action := &countingAction{name: "adjust_credit"}
	params := map[string]any{"account_id": "A-9", "delta": 25}

	res := preview(t, o, action, params, "admin-2")
	if _, err := o.Execute(context.Background(), action, protocol.ExecuteRequest{
		ConfirmToken:   res.ConfirmToken,
		IdempotencyKey: "K-audit",
		ActorID:        "admin-2",
		Params:         params,
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec := audit.Recorder{DB: conn}
	entries, err := rec.List(context.Background(), 10, "adjust_credit")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Outcome != "completed" || entries[0].ActorID != "admin-2" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
	if entries[0].CorrelationID == "" {
		t.Fatalf("audit entry missing correlation id")
	}
}

func TestPreviewDomainError(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	action := &countingAction{name: "refund", fail: errors.New("booking not found")}

	_, err := o.Preview(context.Background(), action, map[string]any{"booking_id": "nope"}, "admin-1")
	if protocol.KindOf(err) != protocol.KindDomainError {
		t.Fatalf("got %v, want domain_error", err)
	}
}
