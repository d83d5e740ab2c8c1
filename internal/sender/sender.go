// Package sender fans dispatch tasks out to a bounded worker pool. The pool
// size caps in-flight work; the rate budget, not the pool, is the throttle
// that external services actually observe.
package sender

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"castd/internal/classify"
	"castd/internal/eventbus"
	"castd/internal/health"
	"castd/internal/ratebudget"
	"castd/internal/retry"
	"castd/internal/store"
	"castd/internal/transport"
	logx "castd/pkg/logx"
)

// Task is one (unit, destination, payload) delivery.
type Task struct {
	UnitID        string
	DestinationID string
	Payload       transport.Payload
	Attempt       int // 1 for the main pass, entry.Attempt+1 for retries
}

// Options configure the sender. Zero fields fall back to defaults.
type Options struct {
	Workers        int           // default 16
	AcquireTimeout time.Duration // default 30s; bounds the wait for a rate grant
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
}

// Sender executes dispatch tasks and routes each classified outcome to the
// health tracker, the retry queue and the audit trail.
type Sender struct {
	opts      Options
	transport transport.Sender
	budget    *ratebudget.Budget
	health    *health.Tracker
	retries   *retry.Queue
	store     store.Store
	bus       eventbus.Bus
	log       logx.Logger
}

func New(opts Options, tr transport.Sender, budget *ratebudget.Budget, ht *health.Tracker,
	rq *retry.Queue, st store.Store, bus eventbus.Bus, log logx.Logger) *Sender {
	opts.normalize()
	return &Sender{
		opts:      opts,
		transport: tr,
		budget:    budget,
		health:    ht,
		retries:   rq,
		store:     st,
		bus:       bus,
		log:       log,
	}
}

// Dispatch runs all tasks with bounded concurrency and returns one attempt
// record per task. A failing task never aborts its siblings; ctx cancellation
// stops admission of new tasks but lets in-flight sends finish.
func (s *Sender) Dispatch(ctx context.Context, tasks []Task) []store.DispatchAttempt {
	if len(tasks) == 0 {
		return nil
	}
	s.budget.ResetBurst()

	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	attempts := make([]store.DispatchAttempt, 0, len(tasks))

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return attempts
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer func() { <-sem }()

			a := s.runTask(ctx, task)
			mu.Lock()
			attempts = append(attempts, a)
			mu.Unlock()
		}(task)
	}

	wg.Wait()
	return attempts
}

// runTask executes one delivery end to end: rate grant, send, classify, route.
func (s *Sender) runTask(ctx context.Context, task Task) store.DispatchAttempt {
	err := s.deliver(ctx, task)
	class := classify.Classify(err)
	s.route(ctx, task, class, err)

	a := store.DispatchAttempt{
		UnitID:        task.UnitID,
		DestinationID: task.DestinationID,
		Attempt:       task.Attempt,
		Class:         class.String(),
		At:            time.Now(),
	}
	if err != nil {
		a.Detail = err.Error()
	}
	if werr := s.store.AppendAttempt(ctx, a); werr != nil && !s.log.IsZero() {
		s.log.Error("attempt write failed",
			logx.String("unit", task.UnitID),
			logx.String("destination", task.DestinationID),
			logx.Err(werr))
	}
	return a
}

func (s *Sender) deliver(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = classify.SystemError(fmt.Errorf("send panicked: %v", r))
			if !s.log.IsZero() {
				s.log.Error("send panicked",
					logx.String("unit", task.UnitID),
					logx.String("destination", task.DestinationID),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}
	}()

	acquireCtx, cancel := context.WithTimeout(ctx, s.opts.AcquireTimeout)
	err = s.budget.Acquire(acquireCtx, task.DestinationID)
	cancel()
	if err != nil {
		// Deadline means the budget was saturated, worth retrying later.
		// Cancellation means the engine is shutting down.
		return err
	}
	return s.transport.Send(ctx, task.DestinationID, task.Payload)
}

// route applies a classified outcome to the collaborating trackers.
//
// RateLimited throttles the budget but does not count against the
// destination's health. SystemFailure touches neither budget nor health.
func (s *Sender) route(ctx context.Context, task Task, class classify.Class, err error) {
	switch class {
	case classify.Success:
		s.budget.ReportSuccess()
		s.health.Record(ctx, task.DestinationID, class)
		s.retries.Resolve(task.UnitID, task.DestinationID)
	case classify.Permanent:
		s.health.Record(ctx, task.DestinationID, class)
		s.retries.Resolve(task.UnitID, task.DestinationID)
	case classify.Temporary:
		s.health.Record(ctx, task.DestinationID, class)
		s.retries.Record(ctx, task.UnitID, task.DestinationID, class, err)
	case classify.RateLimited:
		hint, _ := classify.RetryAfterHint(err)
		s.budget.ReportFlood(task.DestinationID, hint)
		s.retries.Record(ctx, task.UnitID, task.DestinationID, class, err)
	case classify.SystemFailure:
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventEngineFailure, Data: map[string]any{
				"unit":        task.UnitID,
				"destination": task.DestinationID,
				"error":       errString(err),
			}})
		}
		s.retries.Record(ctx, task.UnitID, task.DestinationID, class, err)
	}

	if err != nil && !s.log.IsZero() {
		s.log.Debug("delivery failed",
			logx.String("unit", task.UnitID),
			logx.String("destination", task.DestinationID),
			logx.String("class", class.String()),
			logx.Int("attempt", task.Attempt),
			logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
