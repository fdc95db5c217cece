package credits

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrQuotaExhausted is returned when no credits remain for the period.
	ErrQuotaExhausted = errors.New("monthly analysis credit limit reached")

	// ErrReservationNotFound is returned when finalizing an unknown reservation.
	ErrReservationNotFound = errors.New("reservation not found")
)

// QuotaExhaustedError reports a denied reservation together with the quota
// snapshot observed inside the denying transaction.
type QuotaExhaustedError struct {
	// Message is a human-readable error message.
	Message string

	// Status is the quota snapshot at the time of denial.
	Status *Status
}

// Error returns the error message.
func (e *QuotaExhaustedError) Error() string {
	return e.Message
}

// Unwrap returns the underlying sentinel.
func (e *QuotaExhaustedError) Unwrap() error {
	return ErrQuotaExhausted
}

// NewQuotaExhaustedError creates a QuotaExhaustedError from a status snapshot.
func NewQuotaExhaustedError(status *Status) *QuotaExhaustedError {
	message := "monthly analysis credit limit reached"
	if status != nil {
		message = fmt.Sprintf("monthly analysis credit limit reached (%d/%d used for %s)",
			status.Consumed+status.Reserved, status.Limit, status.PeriodStart)
	}
	return &QuotaExhaustedError{
		Message: message,
		Status:  status,
	}
}

// IsQuotaExhausted checks if an error indicates an exhausted quota.
func IsQuotaExhausted(err error) bool {
	if err == nil {
		return false
	}
	var qee *QuotaExhaustedError
	if errors.As(err, &qee) {
		return true
	}
	return errors.Is(err, ErrQuotaExhausted)
}

// GetQuotaStatus extracts the status snapshot from a quota error.
// Returns nil if the error is not a QuotaExhaustedError.
func GetQuotaStatus(err error) *Status {
	if err == nil {
		return nil
	}
	var qee *QuotaExhaustedError
	if errors.As(err, &qee) {
		return qee.Status
	}
	return nil
}
