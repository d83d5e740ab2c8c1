// Package ratebudget meters outbound sends: one global token bucket shared by
// every destination, plus a rolling per-destination window. Both constraints
// must hold before a send is admitted.
package ratebudget

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"castd/internal/eventbus"
	logx "castd/pkg/logx"
)

const (
	windowSpan = time.Minute

	// Adaptive throttle restore: after the cooldown has elapsed with no new
	// flood signals, every restoreStep consecutive successes win back
	// restoreIncrement of the configured rate.
	restoreStep      = 50
	restoreIncrement = 0.1
	minThrottle      = 0.1
)

// Options configure a Budget. Zero fields fall back to sane defaults.
type Options struct {
	RatePerSec    float64       // sustained global rate, default 25
	Burst         int           // bucket ceiling, default 20
	PerDestCap    int           // sends per destination per minute, default 20
	FloodFactor   float64       // multiplier applied on a flood signal, default 0.5
	FloodCooldown time.Duration // quiet period before restore starts, default 60s
}

func (o *Options) normalize() {
	if o.RatePerSec <= 0 {
		o.RatePerSec = 25
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.PerDestCap <= 0 {
		o.PerDestCap = 20
	}
	if o.FloodFactor <= 0 || o.FloodFactor >= 1 {
		o.FloodFactor = 0.5
	}
	if o.FloodCooldown <= 0 {
		o.FloodCooldown = time.Minute
	}
}

// Budget is safe for concurrent use by many sender workers.
type Budget struct {
	opts    Options
	limiter *rate.Limiter
	bus     eventbus.Bus
	log     logx.Logger

	mu        sync.Mutex
	factor    float64 // current fraction of the configured rate, (0, 1]
	lastFlood time.Time
	streak    int // consecutive successes counted toward the next restore step
	windows   map[string]*destWindow
}

func New(opts Options, bus eventbus.Bus, log logx.Logger) *Budget {
	opts.normalize()
	return &Budget{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		bus:     bus,
		log:     log,
		factor:  1,
		windows: map[string]*destWindow{},
	}
}

func (b *Budget) windowFor(destID string) *destWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[destID]
	if !ok {
		w = newDestWindow(b.opts.PerDestCap, windowSpan)
		b.windows[destID] = w
	}
	return w
}

// Acquire blocks until both the destination window and the global bucket admit
// one send, or ctx is done. A saturated destination parks only its own
// callers; the window slot is reserved before touching the global bucket so
// a blocked destination never consumes global tokens.
func (b *Budget) Acquire(ctx context.Context, destID string) error {
	w := b.windowFor(destID)
	for {
		ok, wait := w.reserve(time.Now())
		if ok {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return b.limiter.Wait(ctx)
}

// ReportFlood applies the adaptive throttle in response to an explicit
// rate-limit rejection. Repeated floods compound down to a floor.
func (b *Budget) ReportFlood(destID string, retryAfter time.Duration) {
	b.reportFloodAt(time.Now(), destID, retryAfter)
}

func (b *Budget) reportFloodAt(now time.Time, destID string, retryAfter time.Duration) {
	b.mu.Lock()
	b.lastFlood = now
	b.streak = 0
	b.factor *= b.opts.FloodFactor
	if b.factor < minThrottle {
		b.factor = minThrottle
	}
	factor := b.factor
	b.mu.Unlock()

	b.limiter.SetLimit(rate.Limit(b.opts.RatePerSec * factor))
	// No bursting while throttled.
	b.limiter.SetBurst(1)

	if !b.log.IsZero() {
		b.log.Warn("flood signal, throttling",
			logx.String("destination", destID),
			logx.Float64("factor", factor),
			logx.Duration("retry_after", retryAfter))
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.EventFloodSignal, Data: map[string]any{
			"destination": destID,
			"factor":      factor,
			"retry_after": retryAfter.String(),
		}})
	}
}

// ReportSuccess feeds the restore path. While throttled, once the cooldown has
// passed since the last flood, sustained success wins the rate back in steps
// rather than snapping to full immediately.
func (b *Budget) ReportSuccess() {
	b.reportSuccessAt(time.Now())
}

func (b *Budget) reportSuccessAt(now time.Time) {
	b.mu.Lock()
	if b.factor >= 1 || now.Sub(b.lastFlood) < b.opts.FloodCooldown {
		b.mu.Unlock()
		return
	}
	b.streak++
	if b.streak < restoreStep {
		b.mu.Unlock()
		return
	}
	b.streak = 0
	b.factor += restoreIncrement
	if b.factor > 1 {
		b.factor = 1
	}
	factor := b.factor
	b.mu.Unlock()

	b.limiter.SetLimit(rate.Limit(b.opts.RatePerSec * factor))
	if factor >= 1 {
		b.limiter.SetBurst(b.opts.Burst)
	}
	if !b.log.IsZero() {
		b.log.Info("rate restored", logx.Float64("factor", factor))
	}
}

// ResetBurst re-arms the configured burst at the start of a dispatch cycle.
// While throttled the burst stays pinned at 1; it comes back with the rate.
func (b *Budget) ResetBurst() {
	b.mu.Lock()
	throttled := b.factor < 1
	b.mu.Unlock()
	if !throttled {
		b.limiter.SetBurst(b.opts.Burst)
	}
}

// Factor returns the current throttle fraction (1.0 = unthrottled).
func (b *Budget) Factor() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.factor
}

// EffectiveRate returns the currently applied global rate in sends/sec.
func (b *Budget) EffectiveRate() float64 {
	return float64(b.limiter.Limit())
}

// WindowLoad reports live reservations for a destination, for introspection.
func (b *Budget) WindowLoad(destID string) int {
	b.mu.Lock()
	w, ok := b.windows[destID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return w.inFlight(time.Now())
}
