package scheduler

import (
	"time"

	"castd/internal/store"
)

// Plan controls how a group of units is spread over time.
type Plan struct {
	Mode     store.ScheduleMode
	Start    time.Time
	Duration time.Duration // auto-space: total span to spread across

	BatchSize     int           // batch mode, default 10
	BatchInterval time.Duration // batch mode, default 1m
}

func (p *Plan) normalize() {
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if p.BatchInterval <= 0 {
		p.BatchInterval = time.Minute
	}
}

// ComputeSchedule returns one scheduled time per unit, in order.
//
// Auto-space spreads n units evenly across the duration, first unit at the
// start, last unit at start+duration. Zero duration (or a single unit) places
// everything at the start. Batch mode groups units into fixed-size batches;
// units within a batch share a time, consecutive batches are one interval
// apart.
func ComputeSchedule(n int, p Plan) []time.Time {
	if n <= 0 {
		return nil
	}
	p.normalize()

	out := make([]time.Time, n)
	switch p.Mode {
	case store.ModeBatch:
		for i := 0; i < n; i++ {
			batch := i / p.BatchSize
			out[i] = p.Start.Add(time.Duration(batch) * p.BatchInterval)
		}
	default: // auto-space
		if p.Duration <= 0 || n == 1 {
			for i := range out {
				out[i] = p.Start
			}
			break
		}
		for i := 0; i < n; i++ {
			out[i] = p.Start.Add(time.Duration(i) * p.Duration / time.Duration(n-1))
		}
	}
	return out
}
