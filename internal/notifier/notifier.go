// Package notifier forwards operational engine events (alerts, escalations,
// flood throttles, engine failures) to an admin destination. It is an edge
// consumer of the event bus; the engine itself never depends on it.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"castd/internal/eventbus"
	"castd/internal/transport"
	logx "castd/pkg/logx"
)

// Config controls which events reach the admin and how fast.
type Config struct {
	Destination string        // admin chat/channel id; empty disables the notifier
	RatePerSec  float64       // default 1; operator messages should trickle, not flood
	DedupWindow time.Duration // default 5m; identical messages inside the window are dropped
}

func (c *Config) normalize() {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
}

// Service is safe for concurrent use; Run is meant to be supervised.
type Service struct {
	cfg     Config
	sender  transport.Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.normalize()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Destination != "" }

// Run consumes bus events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := s.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			msg := render(e)
			if msg == "" {
				continue
			}
			s.deliver(ctx, msg)
		}
	}
}

// render formats the operator-facing message, or "" for events the admin does
// not care about.
func render(e eventbus.Event) string {
	d, _ := e.Data.(map[string]any)
	switch e.Type {
	case eventbus.EventDestinationAlert:
		return fmt.Sprintf("ALERT: destination %v failing persistently (%v consecutive failures)",
			d["destination"], d["failures"])
	case eventbus.EventDestinationSkip:
		return fmt.Sprintf("destination %v skipped after %v consecutive failures",
			d["destination"], d["failures"])
	case eventbus.EventRetryExhausted:
		return fmt.Sprintf("delivery abandoned: unit %v -> %v after %v attempts",
			d["unit"], d["destination"], d["attempts"])
	case eventbus.EventEngineFailure:
		return fmt.Sprintf("engine failure dispatching unit %v -> %v: %v",
			d["unit"], d["destination"], d["error"])
	case eventbus.EventFloodSignal:
		return fmt.Sprintf("rate limited by %v, global rate throttled to %.0f%%",
			d["destination"], mulPercent(d["factor"]))
	case eventbus.EventEnginePaused:
		return "dispatch paused"
	case eventbus.EventEngineResumed:
		return "dispatch resumed"
	}
	return ""
}

func mulPercent(v any) float64 {
	if f, ok := v.(float64); ok {
		return f * 100
	}
	return 0
}

func (s *Service) deliver(ctx context.Context, msg string) {
	now := time.Now()
	s.mu.Lock()
	if until, ok := s.dedup[msg]; ok && now.Before(until) {
		s.mu.Unlock()
		return
	}
	s.dedup[msg] = now.Add(s.cfg.DedupWindow)
	// Opportunistic cache trim.
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	err := s.sender.Send(ctx, s.cfg.Destination, transport.Payload{Text: msg})
	if err != nil && !s.log.IsZero() {
		s.log.Warn("admin notification failed", logx.Err(err))
	}
}
