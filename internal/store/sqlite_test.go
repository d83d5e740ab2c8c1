package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"castd/internal/transport"
	logx "castd/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := OpenSQLite(Config{Path: filepath.Join(t.TempDir(), "castd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteUnitRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	in := Unit{
		ID: "u1",
		Payload: transport.Payload{
			Ref:       "post-1",
			Text:      "hello",
			MediaType: "photo",
			MediaRef:  "file-123",
			Caption:   "cap",
		},
		Targets:     []string{"d1", "d2"},
		ScheduledAt: at,
		Status:      UnitPending,
		Mode:        ModeAutoSpace,
		BatchID:     "b1",
		CreatedAt:   at.Add(-time.Minute),
	}
	if err := st.CreateUnit(ctx, in); err != nil {
		t.Fatal(err)
	}

	out, ok, err := st.Unit(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("unit: ok=%v err=%v", ok, err)
	}
	if out.Payload != in.Payload {
		t.Fatalf("payload = %+v, want %+v", out.Payload, in.Payload)
	}
	if len(out.Targets) != 2 || out.Targets[0] != "d1" || out.Targets[1] != "d2" {
		t.Fatalf("targets = %v", out.Targets)
	}
	if !out.ScheduledAt.Equal(at) || out.Mode != ModeAutoSpace || out.BatchID != "b1" {
		t.Fatalf("unit = %+v", out)
	}

	if _, ok, _ := st.Unit(ctx, "nope"); ok {
		t.Fatal("missing unit reported present")
	}
}

func TestSQLiteDueAndFinalize(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	st.CreateUnit(ctx, Unit{ID: "due", ScheduledAt: now.Add(-time.Minute), CreatedAt: now})
	st.CreateUnit(ctx, Unit{ID: "later", ScheduledAt: now.Add(time.Hour), CreatedAt: now})

	due, err := st.DueUnits(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("due = %+v", due)
	}

	if err := st.FinalizeUnit(ctx, "due", UnitSent, 3, now); err != nil {
		t.Fatal(err)
	}
	u, _, _ := st.Unit(ctx, "due")
	if u.Status != UnitSent || u.Successful != 3 || !u.SentAt.Equal(now) {
		t.Fatalf("finalized unit = %+v", u)
	}

	if err := st.FinalizeUnit(ctx, "missing", UnitSent, 0, now); err != ErrNotFound {
		t.Fatalf("finalize missing: %v, want ErrNotFound", err)
	}

	next, ok, err := st.NextScheduled(ctx)
	if err != nil || !ok || !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("next = %v ok=%v err=%v", next, ok, err)
	}
}

func TestSQLiteDestinationsAndRecovery(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	d := Destination{ID: "d1", Label: "main", Health: HealthDegraded, ConsecutiveFailures: 2, LastFailureAt: now}
	if err := st.UpsertDestination(ctx, d); err != nil {
		t.Fatal(err)
	}
	// Upsert overwrites.
	d.Health = HealthSkipped
	d.ConsecutiveFailures = 3
	if err := st.UpsertDestination(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.Destination(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("destination: ok=%v err=%v", ok, err)
	}
	if got.Health != HealthSkipped || got.ConsecutiveFailures != 3 || !got.LastFailureAt.Equal(now) {
		t.Fatalf("destination = %+v", got)
	}

	st.CreateUnit(ctx, Unit{ID: "u1", Status: UnitSending, ScheduledAt: now, CreatedAt: now})
	n, err := st.RecoverSending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d err=%v, want 1", n, err)
	}
	u, _, _ := st.Unit(ctx, "u1")
	if u.Status != UnitPending {
		t.Fatalf("recovered status = %s", u.Status)
	}
}
