package store

import (
	"context"
	"errors"
	"time"

	"castd/internal/transport"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// UnitStatus is the lifecycle state of a schedulable unit.
//
// Pending -> Sending -> {Sent, PartialFailure, Failed}
// Pending -> Cancelled
//
// Status transitions are owned exclusively by the scheduler core.
type UnitStatus string

const (
	UnitPending        UnitStatus = "pending"
	UnitSending        UnitStatus = "sending"
	UnitSent           UnitStatus = "sent"
	UnitPartialFailure UnitStatus = "partial_failure"
	UnitFailed         UnitStatus = "failed"
	UnitCancelled      UnitStatus = "cancelled"
)

// Terminal reports whether no further dispatch will happen for this status.
func (s UnitStatus) Terminal() bool {
	switch s {
	case UnitSent, UnitPartialFailure, UnitFailed, UnitCancelled:
		return true
	}
	return false
}

// HealthStatus is a destination's health as tracked by the health tracker.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthSkipped  HealthStatus = "skipped"
)

// ScheduleMode selects how a group of units was spread over time.
type ScheduleMode string

const (
	ModeAutoSpace ScheduleMode = "auto_space"
	ModeBatch     ScheduleMode = "batch"
)

// Destination is one target channel for broadcast content.
type Destination struct {
	ID                  string
	Label               string
	Health              HealthStatus
	ConsecutiveFailures int
	LastFailureAt       time.Time
}

// Unit is one schedulable piece of content with one or more destinations.
type Unit struct {
	ID          string
	Payload     transport.Payload
	Targets     []string
	ScheduledAt time.Time
	Status      UnitStatus
	Mode        ScheduleMode
	BatchID     string
	CreatedAt   time.Time
	SentAt      time.Time
	Successful  int
}

// DispatchAttempt is one (unit, destination) delivery attempt.
// Immutable once recorded; append-only audit trail.
type DispatchAttempt struct {
	UnitID        string
	DestinationID string
	Attempt       int
	Class         string
	Detail        string
	At            time.Time
}

// Escalation records a (unit, destination) pair that exhausted its retries.
type Escalation struct {
	UnitID        string
	DestinationID string
	Attempts      int
	Reason        string
	At            time.Time
}

// Store is the persistence API consumed by the engine.
//
// Writes are scoped per unit (one statement per transition) so a crash
// mid-dispatch never leaves a unit with an ambiguous mix of fields.
type Store interface {
	UpsertDestination(ctx context.Context, d Destination) error
	Destination(ctx context.Context, id string) (Destination, bool, error)
	Destinations(ctx context.Context) ([]Destination, error)
	RemoveDestination(ctx context.Context, id string) error

	CreateUnit(ctx context.Context, u Unit) error
	Unit(ctx context.Context, id string) (Unit, bool, error)
	// PendingUnits returns Pending units ordered by scheduled time, then id.
	PendingUnits(ctx context.Context) ([]Unit, error)
	// DueUnits returns Pending units with scheduled time <= now+lookahead,
	// ordered by scheduled time.
	DueUnits(ctx context.Context, now time.Time, lookahead time.Duration) ([]Unit, error)
	// NextScheduled returns the earliest Pending scheduled time.
	NextScheduled(ctx context.Context) (time.Time, bool, error)
	UpdateUnitStatus(ctx context.Context, id string, status UnitStatus) error
	// FinalizeUnit sets the terminal status together with the success count
	// and completion time in a single write.
	FinalizeUnit(ctx context.Context, id string, status UnitStatus, successful int, at time.Time) error
	UpdateUnitSchedule(ctx context.Context, id string, at time.Time) error
	// RecoverSending flips Sending units back to Pending. Called once at
	// startup so units interrupted by a crash get dispatched again.
	RecoverSending(ctx context.Context) (int, error)

	AppendAttempt(ctx context.Context, a DispatchAttempt) error
	AttemptsForUnit(ctx context.Context, unitID string) ([]DispatchAttempt, error)
	AppendEscalation(ctx context.Context, e Escalation) error
	Escalations(ctx context.Context) ([]Escalation, error)

	// CleanupTerminal removes terminal units older than the given age.
	CleanupTerminal(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)

	Close() error
}
