// Package metrics exposes engine counters over Prometheus plus a pprof
// listener. Counters are fed from the event bus so the engine itself stays
// free of instrumentation calls.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"castd/internal/eventbus"
)

type Metrics struct {
	registry *prometheus.Registry

	unitsSettled *prometheus.CounterVec
	skips        prometheus.Counter
	alerts       prometheus.Counter
	exhausted    prometheus.Counter
	floods       prometheus.Counter
	engineFails  prometheus.Counter
	pauses       prometheus.Counter
	budgetFactor prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unitsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castd",
			Name:      "units_settled_total",
			Help:      "Units reaching a terminal status, by status.",
		}, []string{"status"}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castd",
			Name:      "destination_skips_total",
			Help:      "Destinations moved to the skip list.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castd",
			Name:      "destination_alerts_total",
			Help:      "Persistent-failure alerts emitted.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castd",
			Name:      "retries_exhausted_total",
			Help:      "(unit, destination) pairs that ran out of retries.",
		}),
		floods: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castd",
			Name:      "flood_signals_total",
			Help:      "Explicit rate-limit rejections received.",
		}),
		engineFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castd",
			Name:      "engine_failures_total",
			Help:      "Internal engine failures during dispatch.",
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castd",
			Name:      "engine_pauses_total",
			Help:      "Times dispatch was paused.",
		}),
		budgetFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "castd",
			Name:      "rate_budget_factor",
			Help:      "Current throttle fraction of the configured global rate.",
		}),
	}
	m.budgetFactor.Set(1)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.unitsSettled, m.skips, m.alerts, m.exhausted,
		m.floods, m.engineFails, m.pauses, m.budgetFactor,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetBudgetFactor mirrors the rate budget's current throttle fraction.
func (m *Metrics) SetBudgetFactor(f float64) { m.budgetFactor.Set(f) }

// Observe consumes bus events until ctx is done. Meant to run supervised.
func (m *Metrics) Observe(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.apply(e)
		}
	}
}

func (m *Metrics) apply(e eventbus.Event) {
	switch e.Type {
	case eventbus.EventUnitSent, eventbus.EventUnitPartialFail:
		status := "unknown"
		if d, ok := e.Data.(map[string]any); ok {
			if s, ok := d["status"].(string); ok {
				status = s
			}
		}
		m.unitsSettled.WithLabelValues(status).Inc()
	case eventbus.EventDestinationSkip:
		m.skips.Inc()
	case eventbus.EventDestinationAlert:
		m.alerts.Inc()
	case eventbus.EventRetryExhausted:
		m.exhausted.Inc()
	case eventbus.EventFloodSignal:
		m.floods.Inc()
		if d, ok := e.Data.(map[string]any); ok {
			if f, ok := d["factor"].(float64); ok {
				m.budgetFactor.Set(f)
			}
		}
	case eventbus.EventEngineFailure:
		m.engineFails.Inc()
	case eventbus.EventEnginePaused:
		m.pauses.Inc()
	}
}
