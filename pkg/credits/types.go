package credits

import (
	"context"
	"time"
)

// Defaults for the monthly quota.
const (
	// DefaultLimit is the number of credits granted per subject per month
	// when no plan-specific limit applies.
	DefaultLimit = 50

	// DefaultTTL is how long a reservation may stay pending before it is
	// treated as abandoned and reclaimed.
	DefaultTTL = 20 * time.Minute
)

// Failure reasons recorded on released reservations.
const (
	ReasonExpired        = "reservation_expired"
	ReasonAnalysisFailed = "analysis_failed"
)

// Source identifies what triggered a credit reservation.
type Source string

const (
	// SourceManual is a user-initiated analysis.
	SourceManual Source = "manual"

	// SourceBatch is an analyze-all style bulk run.
	SourceBatch Source = "batch"

	// SourceScheduled is a periodic background run.
	SourceScheduled Source = "scheduled"

	// SourceInbound is an analysis triggered by an incoming newsletter.
	SourceInbound Source = "inbound"
)

// Valid reports whether the source is one of the known trigger kinds.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceBatch, SourceScheduled, SourceInbound:
		return true
	}
	return false
}

// ReservationStatus is the lifecycle state of a reservation.
// Reservations start as reserved and end as consumed or released;
// both end states are terminal.
type ReservationStatus string

const (
	StatusReserved ReservationStatus = "reserved"
	StatusConsumed ReservationStatus = "consumed"
	StatusReleased ReservationStatus = "released"
)

// Reservation is a single credit hold.
type Reservation struct {
	ID            string
	Subject       string
	PeriodStart   string
	WorkItemID    string
	Source        Source
	Status        ReservationStatus
	FailureReason string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	FinalizedAt   time.Time
}

// Status is a snapshot of a subject's quota for one period.
type Status struct {
	Subject     string `json:"subject"`
	PeriodStart string `json:"period_start"`
	Limit       int    `json:"limit"`
	Reserved    int    `json:"reserved"`
	Consumed    int    `json:"consumed"`
	Remaining   int    `json:"remaining"`
	Exhausted   bool   `json:"exhausted"`
}

// AcquireRequest contains parameters for reserving a credit.
type AcquireRequest struct {
	// Subject is the quota owner (a user id).
	Subject string

	// WorkItemID identifies the unit of work the credit pays for
	// (a newsletter id). Optional.
	WorkItemID string

	// Source is what triggered the reservation. Defaults to manual.
	Source Source
}

// AcquireResponse contains the granted reservation.
type AcquireResponse struct {
	ReservationID string
	ExpiresAt     time.Time
	Status        *Status
}

// LimitResolver supplies the monthly credit limit for a subject.
// Plan and billing knowledge lives behind this seam; the leasing engine
// never computes limits itself.
type LimitResolver interface {
	LimitFor(ctx context.Context, subject string) (int, error)
}

// LimitFunc adapts a function to the LimitResolver interface.
type LimitFunc func(ctx context.Context, subject string) (int, error)

// LimitFor calls the wrapped function.
func (f LimitFunc) LimitFor(ctx context.Context, subject string) (int, error) {
	return f(ctx, subject)
}

// FixedLimit returns a resolver that grants every subject the same limit.
func FixedLimit(limit int) LimitResolver {
	return LimitFunc(func(context.Context, string) (int, error) {
		return limit, nil
	})
}

// PlanLimits resolves limits from a per-subject map, falling back to a
// default for unknown subjects.
func PlanLimits(limits map[string]int, fallback int) LimitResolver {
	return LimitFunc(func(_ context.Context, subject string) (int, error) {
		if limit, ok := limits[subject]; ok {
			return limit, nil
		}
		return fallback, nil
	})
}
