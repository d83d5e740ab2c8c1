package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castd/internal/classify"
	"castd/internal/eventbus"
	"castd/internal/health"
	"castd/internal/ratebudget"
	"castd/internal/retry"
	"castd/internal/sender"
	"castd/internal/store"
	"castd/internal/transport"
	logx "castd/pkg/logx"
)

// scriptedTransport pops one scripted error per destination per call.
// An empty script means success.
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{scripts: map[string][]error{}, calls: map[string]int{}}
}

func (s *scriptedTransport) script(destID string, errs ...error) {
	s.mu.Lock()
	s.scripts[destID] = errs
	s.mu.Unlock()
}

func (s *scriptedTransport) Send(_ context.Context, destID string, _ transport.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[destID]++
	q := s.scripts[destID]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.scripts[destID] = q[1:]
	return err
}

func (s *scriptedTransport) callCount(destID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[destID]
}

type engine struct {
	core    *Core
	store   *store.Memory
	fake    *scriptedTransport
	retries *retry.Queue
	health  *health.Tracker
	bus     eventbus.Bus
}

func newEngine(t *testing.T) *engine {
	return newEngineWithHealth(t, health.Options{SkipThreshold: 3})
}

func newEngineWithHealth(t *testing.T, hopts health.Options) *engine {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New()
	budget := ratebudget.New(ratebudget.Options{RatePerSec: 10000, Burst: 1000, PerDestCap: 10000}, bus, logx.Nop())
	ht := health.New(hopts, st, bus, logx.Nop())
	// Nanosecond backoff makes retries eligible by the time the pass runs.
	rq := retry.New(retry.Options{MaxAttempts: 3, BackoffBase: time.Nanosecond}, st, bus, logx.Nop())
	fake := newScriptedTransport()
	snd := sender.New(sender.Options{Workers: 4}, fake, budget, ht, rq, st, bus, logx.Nop())
	core := NewCore(Options{}, st, snd, ht, rq, bus, logx.Nop())

	for _, id := range []string{"d1", "d2", "d3"} {
		if err := st.UpsertDestination(context.Background(), store.Destination{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	return &engine{core: core, store: st, fake: fake, retries: rq, health: ht, bus: bus}
}

func (e *engine) addUnit(t *testing.T, id string, at time.Time, targets ...string) {
	t.Helper()
	err := e.store.CreateUnit(context.Background(), store.Unit{
		ID:          id,
		Payload:     transport.Payload{Text: "content " + id},
		Targets:     targets,
		ScheduledAt: at,
		Status:      store.UnitPending,
		Mode:        store.ModeAutoSpace,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *engine) unit(t *testing.T, id string) store.Unit {
	t.Helper()
	u, ok, err := e.store.Unit(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("unit %s: ok=%v err=%v", id, ok, err)
	}
	return u
}

func TestTickSendsDueUnits(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.addUnit(t, "u-due", now.Add(-time.Second), "d1", "d2")
	e.addUnit(t, "u-future", now.Add(time.Hour), "d1")

	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}

	du := e.unit(t, "u-due")
	if du.Status != store.UnitSent || du.Successful != 2 {
		t.Fatalf("due unit: status=%s successful=%d, want sent/2", du.Status, du.Successful)
	}
	if fu := e.unit(t, "u-future"); fu.Status != store.UnitPending {
		t.Fatalf("future unit: status=%s, want pending", fu.Status)
	}
	if e.fake.callCount("d1") != 1 || e.fake.callCount("d2") != 1 {
		t.Fatalf("calls d1=%d d2=%d, want 1/1", e.fake.callCount("d1"), e.fake.callCount("d2"))
	}
}

func TestSkippedDestinationExcludedFromDispatch(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()

	// Drive d2 past the skip threshold.
	for i := 0; i < 3; i++ {
		e.health.Record(ctx, "d2", classify.Permanent)
	}
	e.addUnit(t, "u1", now.Add(-time.Second), "d1", "d2")

	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if e.fake.callCount("d2") != 0 {
		t.Fatal("skipped destination must not be dispatched to")
	}
	u := e.unit(t, "u1")
	if u.Status != store.UnitSent || u.Successful != 1 {
		t.Fatalf("status=%s successful=%d, want sent/1", u.Status, u.Successful)
	}
}

func TestRetryPassRecoversTemporaryFailure(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.fake.script("d1", errors.New("transient"))
	e.addUnit(t, "u1", now.Add(-time.Second), "d1", "d2")

	// Main pass fails d1 once; the same tick's retry pass replays it.
	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	u := e.unit(t, "u1")
	if u.Status != store.UnitSent || u.Successful != 2 {
		t.Fatalf("status=%s successful=%d, want sent/2", u.Status, u.Successful)
	}
	if e.fake.callCount("d1") != 2 {
		t.Fatalf("d1 calls = %d, want 2 (main + retry)", e.fake.callCount("d1"))
	}
}

func TestRetryPassLeavesSkippedDestinationQueued(t *testing.T) {
	t.Parallel()
	e := newEngineWithHealth(t, health.Options{SkipThreshold: 1})
	ctx := context.Background()
	now := time.Now()
	e.fake.script("d1", errors.New("transient"))
	e.addUnit(t, "u1", now.Add(-time.Second), "d1", "d2")

	// The main-pass failure drives d1 straight past the threshold; the same
	// tick's retry pass must not replay it.
	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if got := e.fake.callCount("d1"); got != 1 {
		t.Fatalf("d1 calls = %d, want 1 (no retries while skipped)", got)
	}
	if got := e.retries.Outstanding("u1"); got != 1 {
		t.Fatalf("outstanding = %d, want 1 (entry stays queued)", got)
	}
	if u := e.unit(t, "u1"); u.Status != store.UnitSending {
		t.Fatalf("status = %s, want sending while the retry is parked", u.Status)
	}

	// Reinstating the destination lets the next tick drain the retry.
	if err := e.health.Reinstate(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := e.core.Tick(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := e.fake.callCount("d1"); got != 2 {
		t.Fatalf("d1 calls after reinstate = %d, want 2", got)
	}
	if u := e.unit(t, "u1"); u.Status != store.UnitSent || u.Successful != 2 {
		t.Fatalf("status=%s successful=%d, want sent/2", u.Status, u.Successful)
	}
}

func TestExhaustionYieldsPartialFailureAndEscalation(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()
	boom := errors.New("transient")
	e.fake.script("d1", boom, boom, boom, boom)
	e.addUnit(t, "u1", now.Add(-time.Second), "d1", "d2")

	// Tick 1: main pass (attempt 1) + retry pass (attempt 2). Unit stays
	// Sending with one retry outstanding.
	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if u := e.unit(t, "u1"); u.Status != store.UnitSending {
		t.Fatalf("after tick 1: status=%s, want sending", u.Status)
	}

	// Tick 2: retry pass exhausts attempt 3.
	if err := e.core.Tick(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	u := e.unit(t, "u1")
	if u.Status != store.UnitPartialFailure || u.Successful != 1 {
		t.Fatalf("status=%s successful=%d, want partial_failure/1", u.Status, u.Successful)
	}
	if e.fake.callCount("d1") != 3 {
		t.Fatalf("d1 calls = %d, want 3", e.fake.callCount("d1"))
	}

	escs, err := e.store.Escalations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(escs) != 1 || escs[0].DestinationID != "d1" || escs[0].Attempts != 3 {
		t.Fatalf("escalations = %+v, want one for d1 with 3 attempts", escs)
	}
}

func TestAllDestinationsFailingYieldsFailed(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.fake.script("d1", classify.PermanentError(errors.New("forbidden")))
	e.fake.script("d2", classify.PermanentError(errors.New("forbidden")))
	e.addUnit(t, "u1", now.Add(-time.Second), "d1", "d2")

	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	u := e.unit(t, "u1")
	if u.Status != store.UnitFailed || u.Successful != 0 {
		t.Fatalf("status=%s successful=%d, want failed/0", u.Status, u.Successful)
	}
}

func TestStopBlocksDispatchResumeRestores(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.addUnit(t, "u1", now.Add(-time.Second), "d1")

	e.core.Stop()
	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if u := e.unit(t, "u1"); u.Status != store.UnitPending {
		t.Fatalf("paused tick: status=%s, want pending", u.Status)
	}
	if e.fake.callCount("d1") != 0 {
		t.Fatal("paused tick must not dispatch")
	}

	e.core.Resume()
	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if u := e.unit(t, "u1"); u.Status != store.UnitSent {
		t.Fatalf("resumed tick: status=%s, want sent", u.Status)
	}
}

func TestScheduleCreatesSpacedUnits(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	start := time.Now().Add(time.Hour)

	payloads := []transport.Payload{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	units, err := e.core.Schedule(ctx, payloads, []string{"d1"}, Plan{
		Mode:     store.ModeAutoSpace,
		Start:    start,
		Duration: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 3 {
		t.Fatalf("units = %d, want 3", len(units))
	}
	if !units[0].ScheduledAt.Equal(start) || !units[2].ScheduledAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("schedule span %v..%v, want %v..%v",
			units[0].ScheduledAt, units[2].ScheduledAt, start, start.Add(time.Hour))
	}
	if units[0].BatchID == "" || units[0].BatchID != units[2].BatchID {
		t.Fatal("units from one schedule call must share a batch id")
	}
}

func TestMovePreservesRelativeSpacing(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	base := time.Now().Add(time.Hour).Truncate(time.Second)

	e.addUnit(t, "u1", base, "d1")
	e.addUnit(t, "u2", base.Add(10*time.Minute), "d1")
	e.addUnit(t, "u3", base.Add(30*time.Minute), "d1")

	newTime := base.Add(5 * time.Hour)
	moved, err := e.core.Move(ctx, Selector{From: 2, To: 3}, newTime)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}

	if u := e.unit(t, "u1"); !u.ScheduledAt.Equal(base) {
		t.Fatalf("u1 moved unexpectedly to %v", u.ScheduledAt)
	}
	if u := e.unit(t, "u2"); !u.ScheduledAt.Equal(newTime) {
		t.Fatalf("u2 at %v, want %v", u.ScheduledAt, newTime)
	}
	// u3 keeps its 20m offset from u2, not a flat shift.
	if u := e.unit(t, "u3"); !u.ScheduledAt.Equal(newTime.Add(20 * time.Minute)) {
		t.Fatalf("u3 at %v, want %v", u.ScheduledAt, newTime.Add(20*time.Minute))
	}
}

func TestMoveRejectsBadSelector(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	e.addUnit(t, "u1", time.Now().Add(time.Hour), "d1")

	for _, sel := range []Selector{{From: 0}, {From: 2}, {From: 2, To: 1}, {From: 1, To: 5}} {
		if _, err := e.core.Move(ctx, sel, time.Now()); err == nil {
			t.Fatalf("selector %+v: want error", sel)
		}
	}
}

func TestCancelOnlyTouchesPending(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()

	e.addUnit(t, "u1", now.Add(time.Hour), "d1")
	e.addUnit(t, "u2", now.Add(2*time.Hour), "d1")
	e.store.CreateUnit(ctx, store.Unit{
		ID: "u-sent", Targets: []string{"d1"},
		ScheduledAt: now.Add(-time.Hour), Status: store.UnitSent,
	})

	cancelled, err := e.core.Cancel(ctx, Selector{From: 1})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", cancelled)
	}
	if u := e.unit(t, "u1"); u.Status != store.UnitCancelled {
		t.Fatalf("u1 status=%s, want cancelled", u.Status)
	}
	if u := e.unit(t, "u2"); u.Status != store.UnitPending {
		t.Fatalf("u2 status=%s, want pending", u.Status)
	}
	if u := e.unit(t, "u-sent"); u.Status != store.UnitSent {
		t.Fatalf("u-sent status=%s, want sent", u.Status)
	}

	// Cancelled units never dispatch.
	if err := e.core.Tick(ctx, now.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if u := e.unit(t, "u1"); u.Status != store.UnitCancelled {
		t.Fatalf("u1 dispatched after cancel: %s", u.Status)
	}
}

func TestClaimOrderFollowsScheduledTime(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	now := time.Now()

	e.addUnit(t, "u-late", now.Add(-time.Minute), "d1")
	e.addUnit(t, "u-early", now.Add(-time.Hour), "d1")

	if err := e.core.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	attEarly, _ := e.store.AttemptsForUnit(ctx, "u-early")
	attLate, _ := e.store.AttemptsForUnit(ctx, "u-late")
	if len(attEarly) != 1 || len(attLate) != 1 {
		t.Fatalf("attempts early=%d late=%d, want 1/1", len(attEarly), len(attLate))
	}
}
