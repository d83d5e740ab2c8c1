// Package health tracks per-destination delivery health and decides which
// destinations get skipped during dispatch.
package health

import (
	"context"
	"sync"
	"time"

	"castd/internal/classify"
	"castd/internal/eventbus"
	"castd/internal/store"
	logx "castd/pkg/logx"
)

// Options configure the tracker. Zero fields fall back to defaults.
type Options struct {
	SkipThreshold  int           // consecutive failures before skipping, default 3
	AlertThreshold int           // consecutive failures before alerting, default 5
	SkipDuration   time.Duration // 0 means skipped destinations need manual reinstatement
}

func (o *Options) normalize() {
	if o.SkipThreshold <= 0 {
		o.SkipThreshold = 3
	}
	if o.AlertThreshold <= 0 {
		o.AlertThreshold = 5
	}
}

// Tracker owns destination health state. It is the only writer of the health
// fields on store.Destination.
type Tracker struct {
	opts  Options
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu        sync.Mutex
	skipUntil map[string]time.Time
	alerted   map[string]bool
}

func New(opts Options, st store.Store, bus eventbus.Bus, log logx.Logger) *Tracker {
	opts.normalize()
	return &Tracker{
		opts:      opts,
		store:     st,
		bus:       bus,
		log:       log,
		skipUntil: map[string]time.Time{},
		alerted:   map[string]bool{},
	}
}

// Record feeds one classified delivery outcome into the tracker.
//
// Permanent and Temporary failures count against the destination.
// RateLimited and SystemFailure do not: the first is our own pacing problem,
// the second is our own engine's problem.
func (t *Tracker) Record(ctx context.Context, destID string, class classify.Class) {
	t.recordAt(ctx, time.Now(), destID, class)
}

func (t *Tracker) recordAt(ctx context.Context, now time.Time, destID string, class classify.Class) {
	switch class {
	case classify.Success:
		t.recordSuccess(ctx, destID)
	case classify.Permanent, classify.Temporary:
		t.recordFailure(ctx, now, destID, class)
	}
}

func (t *Tracker) recordSuccess(ctx context.Context, destID string) {
	d, ok, err := t.store.Destination(ctx, destID)
	if err != nil || !ok {
		return
	}
	if d.ConsecutiveFailures == 0 && d.Health == store.HealthHealthy {
		return
	}
	d.ConsecutiveFailures = 0
	d.Health = store.HealthHealthy
	if err := t.store.UpsertDestination(ctx, d); err != nil {
		t.logStoreErr(destID, err)
		return
	}
	t.mu.Lock()
	delete(t.skipUntil, destID)
	delete(t.alerted, destID)
	t.mu.Unlock()
}

func (t *Tracker) recordFailure(ctx context.Context, now time.Time, destID string, class classify.Class) {
	d, ok, err := t.store.Destination(ctx, destID)
	if err != nil {
		t.logStoreErr(destID, err)
		return
	}
	if !ok {
		d = store.Destination{ID: destID, Health: store.HealthHealthy}
	}

	d.ConsecutiveFailures++
	d.LastFailureAt = now

	skipped := false
	if d.ConsecutiveFailures >= t.opts.SkipThreshold && d.Health != store.HealthSkipped {
		d.Health = store.HealthSkipped
		skipped = true
	} else if d.Health == store.HealthHealthy {
		d.Health = store.HealthDegraded
	}

	if err := t.store.UpsertDestination(ctx, d); err != nil {
		t.logStoreErr(destID, err)
		return
	}

	if skipped {
		t.mu.Lock()
		if t.opts.SkipDuration > 0 {
			t.skipUntil[destID] = now.Add(t.opts.SkipDuration)
		}
		t.mu.Unlock()
		if !t.log.IsZero() {
			t.log.Warn("destination skipped",
				logx.String("destination", destID),
				logx.Int("consecutive_failures", d.ConsecutiveFailures))
		}
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.EventDestinationSkip, Data: map[string]any{
				"destination": destID,
				"failures":    d.ConsecutiveFailures,
			}})
		}
	}

	// The alert fires exactly once per crossing. A later success re-arms it.
	if d.ConsecutiveFailures >= t.opts.AlertThreshold {
		t.mu.Lock()
		fire := !t.alerted[destID]
		t.alerted[destID] = true
		t.mu.Unlock()
		if fire {
			if !t.log.IsZero() {
				t.log.Error("destination failing persistently",
					logx.String("destination", destID),
					logx.Int("consecutive_failures", d.ConsecutiveFailures),
					logx.String("class", class.String()))
			}
			if t.bus != nil {
				t.bus.Publish(eventbus.Event{Type: eventbus.EventDestinationAlert, Data: map[string]any{
					"destination": destID,
					"failures":    d.ConsecutiveFailures,
				}})
			}
		}
	}
}

// ShouldSkip reports whether destID is currently excluded from dispatch.
// An expired skip window reinstates the destination as a side effect.
func (t *Tracker) ShouldSkip(ctx context.Context, destID string) bool {
	return t.shouldSkipAt(ctx, time.Now(), destID)
}

func (t *Tracker) shouldSkipAt(ctx context.Context, now time.Time, destID string) bool {
	d, ok, err := t.store.Destination(ctx, destID)
	if err != nil || !ok || d.Health != store.HealthSkipped {
		return false
	}

	t.mu.Lock()
	until, has := t.skipUntil[destID]
	if !has && t.opts.SkipDuration > 0 && !d.LastFailureAt.IsZero() {
		// A restart loses the in-memory window. Rebuild it from the stored
		// last failure time so a skipped destination still expires on schedule.
		until = d.LastFailureAt.Add(t.opts.SkipDuration)
		t.skipUntil[destID] = until
		has = true
	}
	t.mu.Unlock()
	if has && !now.Before(until) {
		if err := t.Reinstate(ctx, destID); err != nil {
			t.logStoreErr(destID, err)
			return true
		}
		if !t.log.IsZero() {
			t.log.Info("skip window expired, destination reinstated",
				logx.String("destination", destID))
		}
		return false
	}
	return true
}

// Reinstate clears a destination's failure state and makes it eligible again.
func (t *Tracker) Reinstate(ctx context.Context, destID string) error {
	d, ok, err := t.store.Destination(ctx, destID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	d.ConsecutiveFailures = 0
	d.Health = store.HealthHealthy
	if err := t.store.UpsertDestination(ctx, d); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.skipUntil, destID)
	delete(t.alerted, destID)
	t.mu.Unlock()
	return nil
}

// Snapshot returns all destinations with their current health.
func (t *Tracker) Snapshot(ctx context.Context) ([]store.Destination, error) {
	return t.store.Destinations(ctx)
}

func (t *Tracker) logStoreErr(destID string, err error) {
	if !t.log.IsZero() {
		t.log.Error("health state write failed",
			logx.String("destination", destID), logx.Err(err))
	}
}
