package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and lets castd run without a
// database file (all state lost on restart, which the engine tolerates).
type Memory struct {
	mu           sync.RWMutex
	destinations map[string]Destination
	units        map[string]Unit
	attempts     []DispatchAttempt
	escalations  []Escalation
}

func NewMemory() *Memory {
	return &Memory{
		destinations: map[string]Destination{},
		units:        map[string]Unit{},
	}
}

func (m *Memory) UpsertDestination(_ context.Context, d Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Health == "" {
		d.Health = HealthHealthy
	}
	m.destinations[d.ID] = d
	return nil
}

func (m *Memory) Destination(_ context.Context, id string) (Destination, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[id]
	return d, ok, nil
}

func (m *Memory) Destinations(_ context.Context) ([]Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Destination, 0, len(m.destinations))
	for _, d := range m.destinations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RemoveDestination(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.destinations, id)
	return nil
}

func (m *Memory) CreateUnit(_ context.Context, u Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Status == "" {
		u.Status = UnitPending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.Targets = append([]string(nil), u.Targets...)
	m.units[u.ID] = u
	return nil
}

func (m *Memory) Unit(_ context.Context, id string) (Unit, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	return u, ok, nil
}

func (m *Memory) pendingLocked() []Unit {
	out := make([]Unit, 0, len(m.units))
	for _, u := range m.units {
		if u.Status == UnitPending {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) PendingUnits(_ context.Context) ([]Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingLocked(), nil
}

func (m *Memory) DueUnits(_ context.Context, now time.Time, lookahead time.Duration) ([]Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := now.Add(lookahead)
	var out []Unit
	for _, u := range m.pendingLocked() {
		if !u.ScheduledAt.After(cutoff) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) NextScheduled(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pending := m.pendingLocked()
	if len(pending) == 0 {
		return time.Time{}, false, nil
	}
	return pending[0].ScheduledAt, true, nil
}

func (m *Memory) UpdateUnitStatus(_ context.Context, id string, status UnitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	m.units[id] = u
	return nil
}

func (m *Memory) FinalizeUnit(_ context.Context, id string, status UnitStatus, successful int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.Successful = successful
	u.SentAt = at
	m.units[id] = u
	return nil
}

func (m *Memory) UpdateUnitSchedule(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return ErrNotFound
	}
	u.ScheduledAt = at
	m.units[id] = u
	return nil
}

func (m *Memory) RecoverSending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, u := range m.units {
		if u.Status == UnitSending {
			u.Status = UnitPending
			m.units[id] = u
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendAttempt(_ context.Context, a DispatchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.At.IsZero() {
		a.At = time.Now()
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) AttemptsForUnit(_ context.Context, unitID string) ([]DispatchAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DispatchAttempt
	for _, a := range m.attempts {
		if a.UnitID == unitID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) AppendEscalation(_ context.Context, e Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.escalations = append(m.escalations, e)
	return nil
}

func (m *Memory) Escalations(_ context.Context) ([]Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Escalation(nil), m.escalations...), nil
}

func (m *Memory) CleanupTerminal(_ context.Context, olderThan time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, u := range m.units {
		if !u.Status.Terminal() {
			continue
		}
		ref := u.SentAt
		if ref.IsZero() {
			ref = u.CreatedAt
		}
		if now.Sub(ref) > olderThan {
			delete(m.units, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
