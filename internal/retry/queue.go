// Package retry holds the per-(unit, destination) retry state machine.
//
// A failed delivery is never retried inline. The sender records it here and
// moves on; a dedicated retry pass replays eligible entries after the main
// pass, so one bad destination cannot drag down overall throughput.
package retry

import (
	"context"
	"sync"
	"time"

	"castd/internal/classify"
	"castd/internal/eventbus"
	"castd/internal/store"
	logx "castd/pkg/logx"
)

// State of one (unit, destination) pair.
type State int

const (
	// Queued: waiting for its next eligible time.
	Queued State = iota
	// Exhausted: retries used up, escalated, no further automatic attempts.
	Exhausted
)

// Entry is one pending or exhausted retry.
type Entry struct {
	UnitID        string
	DestinationID string
	Attempt       int
	NextEligible  time.Time
	State         State
	Class         classify.Class
	Reason        string
}

type key struct{ unit, dest string }

// Options configure the queue. Zero fields fall back to defaults.
type Options struct {
	MaxAttempts int           // default 3
	BackoffBase time.Duration // default 2s
	BackoffMax  time.Duration // default 30s
}

func (o *Options) normalize() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
}

// Queue is safe for concurrent use by sender workers.
type Queue struct {
	opts  Options
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	entries map[key]*Entry
}

func New(opts Options, st store.Store, bus eventbus.Bus, log logx.Logger) *Queue {
	opts.normalize()
	return &Queue{
		opts:    opts,
		store:   st,
		bus:     bus,
		log:     log,
		entries: map[key]*Entry{},
	}
}

// backoff grows exponentially from the base and is capped.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	if d > q.opts.BackoffMax {
		d = q.opts.BackoffMax
	}
	return d
}

// Record registers one failed attempt and returns the resulting state.
//
// RateLimited failures wait the server-suggested duration when the error
// carries one; everything else follows the backoff schedule. Reaching the
// attempt ceiling moves the pair to Exhausted and writes exactly one
// escalation record.
func (q *Queue) Record(ctx context.Context, unitID, destID string, class classify.Class, cause error) State {
	return q.recordAt(ctx, time.Now(), unitID, destID, class, cause)
}

func (q *Queue) recordAt(ctx context.Context, now time.Time, unitID, destID string, class classify.Class, cause error) State {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	q.mu.Lock()
	k := key{unitID, destID}
	e, ok := q.entries[k]
	if !ok {
		e = &Entry{UnitID: unitID, DestinationID: destID}
		q.entries[k] = e
	}
	if e.State == Exhausted {
		q.mu.Unlock()
		return Exhausted
	}

	e.Attempt++
	e.Class = class
	e.Reason = reason

	if e.Attempt >= q.opts.MaxAttempts {
		e.State = Exhausted
		attempts := e.Attempt
		q.mu.Unlock()
		q.escalate(ctx, now, unitID, destID, attempts, reason)
		return Exhausted
	}

	wait := q.backoff(e.Attempt)
	if class == classify.RateLimited {
		if hint, ok := classify.RetryAfterHint(cause); ok && hint > 0 {
			wait = hint
		}
	}
	e.NextEligible = now.Add(wait)
	q.mu.Unlock()
	return Queued
}

func (q *Queue) escalate(ctx context.Context, now time.Time, unitID, destID string, attempts int, reason string) {
	esc := store.Escalation{
		UnitID:        unitID,
		DestinationID: destID,
		Attempts:      attempts,
		Reason:        reason,
		At:            now,
	}
	if err := q.store.AppendEscalation(ctx, esc); err != nil && !q.log.IsZero() {
		q.log.Error("escalation write failed",
			logx.String("unit", unitID), logx.String("destination", destID), logx.Err(err))
	}
	if !q.log.IsZero() {
		q.log.Warn("retries exhausted",
			logx.String("unit", unitID),
			logx.String("destination", destID),
			logx.Int("attempts", attempts))
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.EventRetryExhausted, Data: map[string]any{
			"unit":        unitID,
			"destination": destID,
			"attempts":    attempts,
		}})
	}
}

// Resolve removes the pair after a successful delivery.
func (q *Queue) Resolve(unitID, destID string) {
	q.mu.Lock()
	delete(q.entries, key{unitID, destID})
	q.mu.Unlock()
}

// Eligible returns queued entries whose wait has elapsed, ordered arbitrarily.
func (q *Queue) Eligible(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.State == Queued && !e.NextEligible.After(now) {
			out = append(out, *e)
		}
	}
	return out
}

// NextEligible returns the earliest wakeup among queued entries.
func (q *Queue) NextEligible() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	found := false
	for _, e := range q.entries {
		if e.State != Queued {
			continue
		}
		if !found || e.NextEligible.Before(next) {
			next = e.NextEligible
			found = true
		}
	}
	return next, found
}

// Outstanding reports how many queued (not exhausted) entries a unit has.
func (q *Queue) Outstanding(unitID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.UnitID == unitID && e.State == Queued {
			n++
		}
	}
	return n
}

// ExhaustedFor returns a unit's exhausted entries, for status aggregation.
func (q *Queue) ExhaustedFor(unitID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.UnitID == unitID && e.State == Exhausted {
			out = append(out, *e)
		}
	}
	return out
}

// Drop removes every entry for a unit, queued or exhausted. Called when the
// unit reaches a terminal status.
func (q *Queue) Drop(unitID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.entries {
		if k.unit == unitID {
			delete(q.entries, k)
		}
	}
}

// Len reports total live entries, for introspection.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
