package ratebudget

import (
	"context"
	"testing"
	"time"

	logx "castd/pkg/logx"
)

func TestDestWindowCap(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	w := newDestWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, _ := w.reserve(now)
		if !ok {
			t.Fatalf("reserve %d: want ok", i)
		}
	}
	ok, wait := w.reserve(now)
	if ok {
		t.Fatal("4th reserve should be rejected")
	}
	if wait != time.Minute {
		t.Fatalf("wait = %v, want 1m", wait)
	}

	// Oldest slot ages out after the span; capacity returns.
	ok, _ = w.reserve(now.Add(time.Minute))
	if !ok {
		t.Fatal("reserve after span: want ok")
	}
}

func TestDestWindowWaitTracksOldest(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	w := newDestWindow(2, time.Minute)
	w.reserve(now)
	w.reserve(now.Add(10 * time.Second))

	ok, wait := w.reserve(now.Add(20 * time.Second))
	if ok {
		t.Fatal("window full, reserve should be rejected")
	}
	if wait != 40*time.Second {
		t.Fatalf("wait = %v, want 40s", wait)
	}
}

func TestFloodThrottlesAndCompounds(t *testing.T) {
	t.Parallel()
	b := New(Options{RatePerSec: 20, Burst: 10, FloodFactor: 0.5}, nil, logx.Nop())
	now := time.Unix(1000, 0)

	b.reportFloodAt(now, "d1", 0)
	if got := b.Factor(); got != 0.5 {
		t.Fatalf("factor = %v, want 0.5", got)
	}
	if got := b.EffectiveRate(); got != 10 {
		t.Fatalf("effective rate = %v, want 10", got)
	}

	b.reportFloodAt(now.Add(time.Second), "d1", 0)
	if got := b.Factor(); got != 0.25 {
		t.Fatalf("factor = %v, want 0.25", got)
	}

	// Compounding stops at the floor.
	for i := 0; i < 10; i++ {
		b.reportFloodAt(now.Add(time.Duration(i)*time.Second), "d1", 0)
	}
	if got := b.Factor(); got != minThrottle {
		t.Fatalf("factor = %v, want floor %v", got, minThrottle)
	}
}

func TestRestoreIsSteppedAndGatedByCooldown(t *testing.T) {
	t.Parallel()
	b := New(Options{RatePerSec: 20, Burst: 10, FloodFactor: 0.5, FloodCooldown: time.Minute}, nil, logx.Nop())
	now := time.Unix(1000, 0)
	b.reportFloodAt(now, "d1", 0)

	// Successes inside the cooldown are ignored.
	for i := 0; i < restoreStep; i++ {
		b.reportSuccessAt(now.Add(30 * time.Second))
	}
	if got := b.Factor(); got != 0.5 {
		t.Fatalf("factor during cooldown = %v, want 0.5", got)
	}

	after := now.Add(2 * time.Minute)
	for i := 0; i < restoreStep-1; i++ {
		b.reportSuccessAt(after)
	}
	if got := b.Factor(); got != 0.5 {
		t.Fatalf("factor before full step = %v, want 0.5", got)
	}
	b.reportSuccessAt(after)
	if got := b.Factor(); got != 0.6 {
		t.Fatalf("factor after one step = %v, want 0.6", got)
	}

	// Enough steps climb back to 1.0 and no further.
	for i := 0; i < 10*restoreStep; i++ {
		b.reportSuccessAt(after)
	}
	if got := b.Factor(); got != 1 {
		t.Fatalf("factor fully restored = %v, want 1", got)
	}
	if got := b.EffectiveRate(); got != 20 {
		t.Fatalf("effective rate = %v, want 20", got)
	}
}

func TestAnotherFloodResetsStreak(t *testing.T) {
	t.Parallel()
	b := New(Options{RatePerSec: 20, FloodFactor: 0.5, FloodCooldown: time.Minute}, nil, logx.Nop())
	now := time.Unix(1000, 0)
	b.reportFloodAt(now, "d1", 0)

	after := now.Add(2 * time.Minute)
	for i := 0; i < restoreStep-1; i++ {
		b.reportSuccessAt(after)
	}
	b.reportFloodAt(after, "d2", 0)

	// The fresh flood restarts both the cooldown and the streak.
	for i := 0; i < restoreStep; i++ {
		b.reportSuccessAt(after.Add(time.Second))
	}
	if got := b.Factor(); got != 0.25 {
		t.Fatalf("factor = %v, want 0.25", got)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	b := New(Options{RatePerSec: 1000, Burst: 100, PerDestCap: 1}, nil, logx.Nop())

	if err := b.Acquire(context.Background(), "d1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Window saturated for a minute; a short deadline must unblock the caller.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := b.Acquire(ctx, "d1")
	if err == nil {
		t.Fatal("acquire on saturated window: want context error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("acquire blocked %v despite deadline", elapsed)
	}
}

func TestSaturatedDestinationDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	b := New(Options{RatePerSec: 1000, Burst: 100, PerDestCap: 1}, nil, logx.Nop())

	if err := b.Acquire(context.Background(), "busy"); err != nil {
		t.Fatalf("acquire busy: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Acquire(ctx, "other"); err != nil {
		t.Fatalf("acquire other while busy is saturated: %v", err)
	}
}
