// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAdapter scripts outcomes per call and records the order of attempts.
type fakeAdapter struct {
	mu       sync.Mutex
	outcomes map[string][]RemoteOutcome // payload -> queued outcomes, head first
	fallback RemoteOutcome
	applied  []string // payloads in attempt order
	block    chan struct{} // when set, Apply blocks until the channel closes
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		outcomes: make(map[string][]RemoteOutcome),
		fallback: Applied(nil),
	}
}

func (f *fakeAdapter) script(payload string, outcomes ...RemoteOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[payload] = append(f.outcomes[payload], outcomes...)
}

func (f *fakeAdapter) Apply(_ context.Context, rec *MutationRecord) RemoteOutcome {
	f.mu.Lock()
	key := string(rec.Payload)
	f.applied = append(f.applied, key)
	out := f.fallback
	if queue := f.outcomes[key]; len(queue) > 0 {
		out = queue[0]
		f.outcomes[key] = queue[1:]
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return out
}

func (f *fakeAdapter) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

type fixture struct {
	store   *Store
	adapter *fakeAdapter
	coord   *Coordinator
	now     time.Time
	nowMu   sync.Mutex
}

func (fx *fixture) clock() time.Time {
	fx.nowMu.Lock()
	defer fx.nowMu.Unlock()
	return fx.now
}

func (fx *fixture) advance(d time.Duration) {
	fx.nowMu.Lock()
	defer fx.nowMu.Unlock()
	fx.now = fx.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		store:   newTestStore(t),
		adapter: newFakeAdapter(),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := DefaultConfig()
	cfg.Now = fx.clock
	fx.coord = NewCoordinator(fx.store, fx.adapter, nil, cfg, nil)
	return fx
}

func (fx *fixture) enqueue(t *testing.T, op Operation, payload string) int64 {
	t.Helper()
	id, err := fx.store.Enqueue(context.Background(), "workout", op, []byte(payload), fx.clock())
	require.NoError(t, err)
	fx.advance(time.Millisecond) // keep created_at strictly increasing
	return id
}

func TestDrainToEmpty(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fx.enqueue(t, OpCreate, fmt.Sprintf(`{"title":"workout %d"}`, i))
	}

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	require.Equal(t, StatusSuccess, fx.coord.Status())
	require.Len(t, fx.adapter.attempts(), 5)
}

func TestDrainBeyondLimitNeedsMultiplePasses(t *testing.T) {
	fx := newFixture(t)
	fx.coord.config.DrainLimit = 3
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		fx.enqueue(t, OpCreate, fmt.Sprintf(`{"n":%d}`, i))
	}

	require.NoError(t, fx.coord.RunSyncPass(ctx))
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, pending)

	require.NoError(t, fx.coord.RunSyncPass(ctx))
	require.NoError(t, fx.coord.RunSyncPass(ctx))
	pending, err = fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestFIFOOrdering(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Two mutations for the same entity id, enqueued at t1 < t2.
	fx.enqueue(t, OpUpdate, `{"id":"w1","rev":1}`)
	fx.enqueue(t, OpUpdate, `{"id":"w1","rev":2}`)

	require.NoError(t, fx.coord.RunSyncPass(ctx))
	require.Equal(t, []string{`{"id":"w1","rev":1}`, `{"id":"w1","rev":2}`}, fx.adapter.attempts())
}

func TestSingleFlight(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.enqueue(t, OpCreate, `{"title":"only"}`)

	fx.adapter.block = make(chan struct{})
	firstDone := make(chan error, 1)
	go func() { firstDone <- fx.coord.RunSyncPass(ctx) }()

	// Wait until the first pass is inside the adapter call.
	require.Eventually(t, func() bool {
		return len(fx.adapter.attempts()) == 1
	}, time.Second, time.Millisecond)

	// Concurrent invocation is a no-op, not queued.
	require.NoError(t, fx.coord.RunSyncPass(ctx))
	require.Len(t, fx.adapter.attempts(), 1, "second pass must not double-process")

	close(fx.adapter.block)
	require.NoError(t, <-firstDone)

	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	// Exactly one attempt total: no record drained twice.
	require.Len(t, fx.adapter.attempts(), 1)
}

func TestMalformedPayloadTerminalWithoutRemoteCall(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.enqueue(t, OpCreate, `{"title": truncated`)

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	require.Empty(t, fx.adapter.attempts(), "malformed record must never hit the network")
	failed, err := fx.coord.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	recs, err := fx.store.FailedRecords(ctx)
	require.NoError(t, err)
	require.Contains(t, *recs[0].LastError, "invalid payload")
}

func TestTransientFailureSchedulesBackoff(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.enqueue(t, OpCreate, `{"title":"flaky"}`)
	fx.adapter.script(`{"title":"flaky"}`, Transient(errors.New("connection refused")))

	require.NoError(t, fx.coord.RunSyncPass(ctx))
	require.Equal(t, StatusError, fx.coord.Status())

	// Still pending, but gated until now + 60*2^1 seconds.
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	records, err := fx.store.SelectEligible(ctx, fx.clock(), 10)
	require.NoError(t, err)
	require.Empty(t, records)

	fx.advance(2 * time.Minute)
	records, err = fx.store.SelectEligible(ctx, fx.clock(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, records[0].RetryCount)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.enqueue(t, OpCreate, `{"title":"Leg Day"}`)
	fx.adapter.fallback = Transient(errors.New("timeout"))

	// Five consecutive passes spaced by the scheduled backoff.
	for pass := 1; pass <= 5; pass++ {
		require.NoError(t, fx.coord.RunSyncPass(ctx))
		fx.advance(time.Duration(60<<uint(pass))*time.Second + time.Second)
	}

	require.Len(t, fx.adapter.attempts(), 5)

	failedRecs, err := fx.store.FailedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, failedRecs, 1)
	require.NotNil(t, failedRecs[0].LastError)
	require.Contains(t, *failedRecs[0].LastError, "retry budget exhausted")
	require.Nil(t, failedRecs[0].NextAttemptAt)

	// No sixth attempt even far in the future.
	fx.advance(24 * time.Hour)
	require.NoError(t, fx.coord.RunSyncPass(ctx))
	require.Len(t, fx.adapter.attempts(), 5)
}

func TestConflictShortCircuit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	serverEntity := json.RawMessage(`{"id":"w1","title":"Leg Day v2","updatedAt":"2024-01-02T00:00:00Z"}`)
	payload := `{"id":"w1","title":"Leg Day","updatedAt":"2024-01-01T00:00:00Z"}`

	fx.enqueue(t, OpUpdate, payload)
	fx.adapter.script(payload, Rejected(RejectVersionConflict, "stale snapshot", serverEntity))

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	// Terminal immediately: no backoff cycle consumed, no further attempts.
	require.Len(t, fx.adapter.attempts(), 1)
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	failed, err := fx.coord.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	// The server snapshot is retrievable for manual reconciliation.
	conflicts := fx.coord.Resolver().TakeConflicts()
	require.Len(t, conflicts, 1)
	require.Equal(t, "workout", conflicts[0].EntityType)
	require.Equal(t, OpUpdate, conflicts[0].Operation)
	require.JSONEq(t, string(serverEntity), string(conflicts[0].ServerEntity))
	require.JSONEq(t, payload, string(conflicts[0].LocalPayload))

	// Collected once.
	require.Empty(t, fx.coord.Resolver().TakeConflicts())
}

func TestValidationRejectionIsTerminal(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.enqueue(t, OpCreate, `{"title":""}`)
	fx.adapter.script(`{"title":""}`, Rejected(RejectValidation, "title is required", nil))

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	failedRecs, err := fx.store.FailedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, failedRecs, 1)
	require.Contains(t, *failedRecs[0].LastError, "validation")
	// Not a conflict: nothing for the reconciliation screen.
	require.Zero(t, fx.coord.Resolver().PendingConflicts())
}

func TestRecordFailureDoesNotAbortPass(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.enqueue(t, OpCreate, `{"n":1}`)
	fx.enqueue(t, OpCreate, `{"n":2}`)
	fx.enqueue(t, OpCreate, `{"n":3}`)
	fx.adapter.script(`{"n":2}`, Rejected(RejectValidation, "bad", nil))

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	// Records 1 and 3 succeeded despite record 2 failing in between.
	require.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, fx.adapter.attempts())
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	failed, err := fx.coord.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)
}

type fakeCredentials struct {
	mu          sync.Mutex
	invalidated int
}

func (f *fakeCredentials) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeCredentials) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

func TestUnauthorizedRefreshesAndReattemptsOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	creds := &fakeCredentials{}
	fx.coord.Credentials = creds

	fx.enqueue(t, OpCreate, `{"title":"after refresh"}`)
	fx.adapter.script(`{"title":"after refresh"}`, Unauthorized(errors.New("401")), Applied(nil))

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	require.Equal(t, 1, creds.count())
	require.Len(t, fx.adapter.attempts(), 2, "one re-attempt after refresh")
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestUnauthorizedTwiceFallsBackToBackoff(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.coord.Credentials = &fakeCredentials{}

	fx.enqueue(t, OpCreate, `{"title":"still unauthorized"}`)
	fx.adapter.script(`{"title":"still unauthorized"}`,
		Unauthorized(errors.New("401")), Unauthorized(errors.New("401")))

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	// Exactly one refresh cycle per pass, then the transient path.
	require.Len(t, fx.adapter.attempts(), 2)
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	records, err := fx.store.FailedRecords(ctx)
	require.NoError(t, err)
	require.Empty(t, records, "not terminal, just gated")
}

type fakeReconciler struct {
	mu      sync.Mutex
	adopted []string
	err     error
}

func (f *fakeReconciler) AdoptRemote(_ context.Context, entityType string, _, serverEntity json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted = append(f.adopted, string(serverEntity))
	return f.err
}

func TestCreateSuccessAdoptsServerEntity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	rec := &fakeReconciler{}
	fx.coord.Reconciler = rec

	serverEntity := json.RawMessage(`{"id":"srv-1","title":"Leg Day"}`)
	fx.enqueue(t, OpCreate, `{"id":"local-1","title":"Leg Day"}`)
	fx.adapter.script(`{"id":"local-1","title":"Leg Day"}`, Applied(serverEntity))

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	require.Equal(t, []string{string(serverEntity)}, rec.adopted)
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestAdoptFailureStillCompletesRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.coord.Reconciler = &fakeReconciler{err: errors.New("local db busy")}

	fx.enqueue(t, OpCreate, `{"id":"local-1"}`)
	fx.adapter.script(`{"id":"local-1"}`, Applied(json.RawMessage(`{"id":"srv-1"}`)))

	require.NoError(t, fx.coord.RunSyncPass(ctx))

	// The remote already applied the create; the record must not be retried.
	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestContextExpiryLeavesRemainingRecordsUntouched(t *testing.T) {
	fx := newFixture(t)

	fx.enqueue(t, OpCreate, `{"n":1}`)
	fx.enqueue(t, OpCreate, `{"n":2}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.coord.RunSyncPass(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusError, fx.coord.Status())

	// Per-record state untouched: both records still eligible, retry
	// bookkeeping unchanged.
	records, err := fx.store.SelectEligible(context.Background(), fx.clock(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		require.Equal(t, 0, r.RetryCount)
		require.Nil(t, r.NextAttemptAt)
	}

	// The guard was cleared; a later pass drains normally.
	require.NoError(t, fx.coord.RunSyncPass(context.Background()))
	pending, err := fx.coord.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestStatusLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.Equal(t, StatusIdle, fx.coord.Status())

	fx.enqueue(t, OpCreate, `{"ok":true}`)
	require.NoError(t, fx.coord.RunSyncPass(ctx))
	require.Equal(t, StatusSuccess, fx.coord.Status())

	fx.enqueue(t, OpCreate, `{"fails":true}`)
	fx.adapter.script(`{"fails":true}`, Transient(errors.New("offline")))
	require.NoError(t, fx.coord.RunSyncPass(ctx))
	require.Equal(t, StatusError, fx.coord.Status())
}

func TestRequeueAfterManualDecision(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id := fx.enqueue(t, OpUpdate, `{"id":"w1"}`)
	fx.adapter.script(`{"id":"w1"}`, Rejected(RejectVersionConflict, "stale", json.RawMessage(`{"id":"w1"}`)))

	require.NoError(t, fx.coord.RunSyncPass(ctx))
	failed, err := fx.coord.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	// User chose "overwrite": requeue and drain again, this time accepted.
	require.NoError(t, fx.store.Requeue(ctx, id))
	require.NoError(t, fx.coord.RunSyncPass(ctx))

	pending, err := fx.coord.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	failed, err = fx.coord.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, failed)
}
