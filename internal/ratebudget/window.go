package ratebudget

import (
	"sync"
	"time"
)

// destWindow enforces a rolling per-destination cap: at most cap sends inside
// any span-long interval. Slots are reserved up front so concurrent senders
// cannot both observe "one slot left" and both proceed.
type destWindow struct {
	cap  int
	span time.Duration

	mu     sync.Mutex
	stamps []time.Time
}

func newDestWindow(cap int, span time.Duration) *destWindow {
	return &destWindow{cap: cap, span: span}
}

// reserve claims a slot at now. When the window is full it returns the wait
// until the oldest reservation ages out.
func (w *destWindow) reserve(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	if len(w.stamps) < w.cap {
		w.stamps = append(w.stamps, now)
		return true, 0
	}
	wait := w.stamps[0].Add(w.span).Sub(now)
	if wait <= 0 {
		// Oldest slot just expired between prune and here.
		wait = time.Millisecond
	}
	return false, wait
}

func (w *destWindow) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(w.stamps) && now.Sub(w.stamps[cut]) >= w.span {
		cut++
	}
	if cut > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[cut:]...)
	}
}

// inFlight reports how many reservations are live at now.
func (w *destWindow) inFlight(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.stamps)
}
