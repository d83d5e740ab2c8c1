package scheduler

import (
	"context"
	"time"

	"castd/internal/retry"
	"castd/internal/store"
	logx "castd/pkg/logx"
)

// ServiceOptions configure the dispatch loop.
type ServiceOptions struct {
	PollInterval time.Duration // default 5s; upper bound on idle sleep
	CleanupAfter time.Duration // 0 disables terminal-unit cleanup
}

func (o *ServiceOptions) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
}

const (
	minSleep        = 200 * time.Millisecond
	cleanupInterval = 5 * time.Minute
)

// Service runs the core's tick loop. It sleeps adaptively: a long poll while
// nothing is due, waking early when the next unit or retry comes up.
type Service struct {
	opts    ServiceOptions
	core    *Core
	store   store.Store
	retries *retry.Queue
	log     logx.Logger
}

func NewService(opts ServiceOptions, core *Core, st store.Store, rq *retry.Queue, log logx.Logger) *Service {
	opts.normalize()
	return &Service{opts: opts, core: core, store: st, retries: rq, log: log}
}

// Run blocks until ctx is done. It is meant to be supervised.
func (s *Service) Run(ctx context.Context) error {
	if n, err := s.store.RecoverSending(ctx); err != nil {
		if !s.log.IsZero() {
			s.log.Error("startup recovery failed", logx.Err(err))
		}
	} else if n > 0 && !s.log.IsZero() {
		s.log.Warn("recovered interrupted units", logx.Int("count", n))
	}

	lastCleanup := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.core.Tick(ctx, time.Now()); err != nil {
			if !s.log.IsZero() {
				s.log.Error("tick failed", logx.Err(err))
			}
		}

		if s.opts.CleanupAfter > 0 && time.Since(lastCleanup) >= cleanupInterval {
			lastCleanup = time.Now()
			if n, err := s.store.CleanupTerminal(ctx, s.opts.CleanupAfter, time.Now()); err != nil {
				if !s.log.IsZero() {
					s.log.Error("cleanup failed", logx.Err(err))
				}
			} else if n > 0 && !s.log.IsZero() {
				s.log.Debug("terminal units cleaned", logx.Int("count", n))
			}
		}

		sleep := s.nextSleep(ctx, time.Now())
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextSleep picks the shortest of: the poll interval, the time until the next
// scheduled unit, and the time until the next eligible retry.
func (s *Service) nextSleep(ctx context.Context, now time.Time) time.Duration {
	sleep := s.opts.PollInterval

	if next, ok, err := s.store.NextScheduled(ctx); err == nil && ok {
		if until := next.Sub(now); until < sleep {
			sleep = until
		}
	}
	if next, ok := s.retries.NextEligible(); ok {
		if until := next.Sub(now); until < sleep {
			sleep = until
		}
	}
	if sleep < minSleep {
		sleep = minSleep
	}
	return sleep
}
