// Package scheduler owns the dispatch loop: claiming due units, fanning them
// out through the sender, replaying retries, and settling unit status.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"castd/internal/classify"
	"castd/internal/eventbus"
	"castd/internal/health"
	"castd/internal/retry"
	"castd/internal/sender"
	"castd/internal/store"
	"castd/internal/transport"
	logx "castd/pkg/logx"
)

// Options configure the core. Zero fields fall back to defaults.
type Options struct {
	BatchSize     int           // default batch size for batch-mode plans
	BatchInterval time.Duration // default inter-batch interval
	Lookahead     time.Duration // units due within this window join the current tick
}

// Core drives dispatch. Ticks execute one at a time; everything inside a tick
// may fan out through the sender's worker pool.
type Core struct {
	opts    Options
	store   store.Store
	sender  *sender.Sender
	health  *health.Tracker
	retries *retry.Queue
	bus     eventbus.Bus
	log     logx.Logger

	paused atomic.Bool
	tickMu sync.Mutex

	mu       sync.Mutex
	progress map[string]*unitProgress
}

// unitProgress accumulates per-destination outcomes for a unit in Sending
// until no retries remain outstanding and the status can settle.
type unitProgress struct {
	targets   int
	succeeded map[string]bool
	permanent map[string]bool
}

func NewCore(opts Options, st store.Store, snd *sender.Sender, ht *health.Tracker,
	rq *retry.Queue, bus eventbus.Bus, log logx.Logger) *Core {
	return &Core{
		opts:     opts,
		store:    st,
		sender:   snd,
		health:   ht,
		retries:  rq,
		bus:      bus,
		log:      log,
		progress: map[string]*unitProgress{},
	}
}

// Schedule creates one unit per payload, spread according to the plan, all
// sharing a batch id. Returns the created units in schedule order.
func (c *Core) Schedule(ctx context.Context, payloads []transport.Payload, targets []string, plan Plan) ([]store.Unit, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("schedule: no targets")
	}
	if plan.Mode == "" {
		plan.Mode = store.ModeAutoSpace
	}
	if plan.Start.IsZero() {
		plan.Start = time.Now()
	}
	if plan.Mode == store.ModeBatch && plan.BatchSize <= 0 {
		plan.BatchSize = c.opts.BatchSize
	}
	if plan.Mode == store.ModeBatch && plan.BatchInterval <= 0 {
		plan.BatchInterval = c.opts.BatchInterval
	}

	times := ComputeSchedule(len(payloads), plan)
	batchID := uuid.NewString()
	units := make([]store.Unit, 0, len(payloads))
	for i, p := range payloads {
		u := store.Unit{
			ID:          uuid.NewString(),
			Payload:     p,
			Targets:     append([]string(nil), targets...),
			ScheduledAt: times[i],
			Status:      store.UnitPending,
			Mode:        plan.Mode,
			BatchID:     batchID,
			CreatedAt:   time.Now(),
		}
		if err := c.store.CreateUnit(ctx, u); err != nil {
			return units, err
		}
		units = append(units, u)
	}
	if !c.log.IsZero() {
		c.log.Info("units scheduled",
			logx.Int("count", len(units)),
			logx.String("mode", string(plan.Mode)),
			logx.String("batch", batchID),
			logx.Time("first", times[0]),
			logx.Time("last", times[len(times)-1]))
	}
	return units, nil
}

// Tick runs one full dispatch cycle: claim due units, main pass, retry pass,
// then settle unit statuses. When paused it initiates nothing; in-flight work
// from an earlier tick is unaffected because ticks run to completion.
func (c *Core) Tick(ctx context.Context, now time.Time) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if c.paused.Load() {
		return nil
	}

	due, err := c.store.DueUnits(ctx, now, c.opts.Lookahead)
	if err != nil {
		return fmt.Errorf("claim due units: %w", err)
	}

	var tasks []sender.Task
	for _, u := range due {
		targets := c.eligibleTargets(ctx, u)
		if err := c.store.UpdateUnitStatus(ctx, u.ID, store.UnitSending); err != nil {
			if !c.log.IsZero() {
				c.log.Error("claim failed", logx.String("unit", u.ID), logx.Err(err))
			}
			continue
		}
		c.mu.Lock()
		c.progress[u.ID] = &unitProgress{
			targets:   len(targets),
			succeeded: map[string]bool{},
			permanent: map[string]bool{},
		}
		c.mu.Unlock()

		for _, destID := range targets {
			tasks = append(tasks, sender.Task{
				UnitID:        u.ID,
				DestinationID: destID,
				Payload:       u.Payload,
				Attempt:       1,
			})
		}
	}

	// The pause flag is consumed again right before the batch goes out.
	if len(tasks) > 0 && !c.paused.Load() {
		attempts := c.sender.Dispatch(ctx, tasks)
		c.applyAttempts(attempts)
	}

	c.runRetryPass(ctx, time.Now())
	c.settle(ctx, time.Now())
	return nil
}

// eligibleTargets filters a unit's targets through the skip list.
func (c *Core) eligibleTargets(ctx context.Context, u store.Unit) []string {
	out := make([]string, 0, len(u.Targets))
	for _, destID := range u.Targets {
		if c.health.ShouldSkip(ctx, destID) {
			if !c.log.IsZero() {
				c.log.Debug("target skipped",
					logx.String("unit", u.ID), logx.String("destination", destID))
			}
			continue
		}
		out = append(out, destID)
	}
	return out
}

// runRetryPass replays every currently eligible retry entry once.
func (c *Core) runRetryPass(ctx context.Context, now time.Time) {
	if c.paused.Load() {
		return
	}
	eligible := c.retries.Eligible(now)
	if len(eligible) == 0 {
		return
	}

	var tasks []sender.Task
	for _, e := range eligible {
		// A destination skipped since the failure was recorded gets no
		// replay. The entry stays queued; a later pass drains it once the
		// destination is reinstated.
		if c.health.ShouldSkip(ctx, e.DestinationID) {
			continue
		}
		u, ok, err := c.store.Unit(ctx, e.UnitID)
		if err != nil || !ok {
			c.retries.Resolve(e.UnitID, e.DestinationID)
			continue
		}
		tasks = append(tasks, sender.Task{
			UnitID:        u.ID,
			DestinationID: e.DestinationID,
			Payload:       u.Payload,
			Attempt:       e.Attempt + 1,
		})
	}
	if len(tasks) == 0 {
		return
	}
	if !c.log.IsZero() {
		c.log.Debug("retry pass", logx.Int("tasks", len(tasks)))
	}
	attempts := c.sender.Dispatch(ctx, tasks)
	c.applyAttempts(attempts)
}

func (c *Core) applyAttempts(attempts []store.DispatchAttempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range attempts {
		p, ok := c.progress[a.UnitID]
		if !ok {
			continue
		}
		switch a.Class {
		case classify.Success.String():
			p.succeeded[a.DestinationID] = true
			delete(p.permanent, a.DestinationID)
		case classify.Permanent.String():
			p.permanent[a.DestinationID] = true
		}
	}
}

// settle finalizes every Sending unit with no outstanding retries.
//
// Sent: every delivery succeeded. Failed: none did. PartialFailure: a mix of
// successes with exhausted or permanent failures. A unit with queued retries
// stays Sending until a later pass drains them.
func (c *Core) settle(ctx context.Context, now time.Time) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.progress))
	for id := range c.progress {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if c.retries.Outstanding(id) > 0 {
			continue
		}

		c.mu.Lock()
		p := c.progress[id]
		c.mu.Unlock()
		if p == nil {
			continue
		}

		exhausted := c.retries.ExhaustedFor(id)
		failed := len(exhausted) + len(p.permanent)
		ok := len(p.succeeded)

		// Targets with no recorded outcome mean the dispatch was cut short
		// (engine shutdown). Leave the unit Sending; startup recovery will
		// re-queue it.
		if p.targets > 0 && ok+failed < p.targets {
			continue
		}

		var status store.UnitStatus
		switch {
		case p.targets == 0 || ok == 0:
			status = store.UnitFailed
		case failed > 0:
			status = store.UnitPartialFailure
		default:
			status = store.UnitSent
		}

		if err := c.store.FinalizeUnit(ctx, id, status, ok, now); err != nil {
			if !c.log.IsZero() {
				c.log.Error("finalize failed", logx.String("unit", id), logx.Err(err))
			}
			continue
		}
		c.retries.Drop(id)
		c.mu.Lock()
		delete(c.progress, id)
		c.mu.Unlock()

		if !c.log.IsZero() {
			c.log.Info("unit settled",
				logx.String("unit", id),
				logx.String("status", string(status)),
				logx.Int("succeeded", ok),
				logx.Int("failed", failed))
		}
		if c.bus != nil {
			evType := eventbus.EventUnitSent
			if status != store.UnitSent {
				evType = eventbus.EventUnitPartialFail
			}
			c.bus.Publish(eventbus.Event{Type: evType, Data: map[string]any{
				"unit":      id,
				"status":    string(status),
				"succeeded": ok,
				"failed":    failed,
			}})
		}
	}
}

// Selector picks pending units by 1-indexed position in scheduled-time order.
// To == 0 selects the single unit at From.
type Selector struct {
	From int
	To   int
}

func (sel Selector) bounds(n int) (int, int, error) {
	to := sel.To
	if to == 0 {
		to = sel.From
	}
	if sel.From < 1 || to < sel.From || to > n {
		return 0, 0, fmt.Errorf("selector %d..%d out of range (1..%d pending)", sel.From, to, n)
	}
	return sel.From - 1, to - 1, nil
}

// Move reschedules the selected pending units to newTime. Each unit keeps its
// offset from the first selected unit, so a spaced range stays spaced instead
// of collapsing onto one instant.
func (c *Core) Move(ctx context.Context, sel Selector, newTime time.Time) (int, error) {
	pending, err := c.store.PendingUnits(ctx)
	if err != nil {
		return 0, err
	}
	lo, hi, err := sel.bounds(len(pending))
	if err != nil {
		return 0, err
	}

	base := pending[lo].ScheduledAt
	moved := 0
	for i := lo; i <= hi; i++ {
		u := pending[i]
		at := newTime.Add(u.ScheduledAt.Sub(base))
		if err := c.store.UpdateUnitSchedule(ctx, u.ID, at); err != nil {
			return moved, err
		}
		moved++
	}
	if !c.log.IsZero() {
		c.log.Info("units moved", logx.Int("count", moved), logx.Time("to", newTime))
	}
	return moved, nil
}

// Cancel marks the selected pending units Cancelled. Units already Sending or
// terminal are untouched because the selector only sees Pending units.
func (c *Core) Cancel(ctx context.Context, sel Selector) (int, error) {
	pending, err := c.store.PendingUnits(ctx)
	if err != nil {
		return 0, err
	}
	lo, hi, err := sel.bounds(len(pending))
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for i := lo; i <= hi; i++ {
		u := pending[i]
		if err := c.store.UpdateUnitStatus(ctx, u.ID, store.UnitCancelled); err != nil {
			return cancelled, err
		}
		c.retries.Drop(u.ID)
		cancelled++
	}
	if !c.log.IsZero() {
		c.log.Info("units cancelled", logx.Int("count", cancelled))
	}
	return cancelled, nil
}

// Stop pauses dispatch initiation. In-flight sends finish; the flag takes
// effect at the next tick boundary.
func (c *Core) Stop() {
	if c.paused.Swap(true) {
		return
	}
	if !c.log.IsZero() {
		c.log.Warn("dispatch paused")
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventEnginePaused})
	}
}

// Resume clears the pause flag.
func (c *Core) Resume() {
	if !c.paused.Swap(false) {
		return
	}
	if !c.log.IsZero() {
		c.log.Info("dispatch resumed")
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventEngineResumed})
	}
}

// Paused reports whether dispatch initiation is currently suspended.
func (c *Core) Paused() bool { return c.paused.Load() }

// InFlight reports how many units are currently Sending with unsettled state.
func (c *Core) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.progress)
}
