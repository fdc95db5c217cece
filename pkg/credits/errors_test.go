package credits

import (
	"errors"
	"fmt"
	"testing"
)

func TestQuotaExhaustedError(t *testing.T) {
	status := &Status{
		Subject:     "user-1",
		PeriodStart: "2026-02-01",
		Limit:       50,
		Reserved:    3,
		Consumed:    47,
		Remaining:   0,
		Exhausted:   true,
	}

	err := NewQuotaExhaustedError(status)

	if !errors.Is(err, ErrQuotaExhausted) {
		t.Error("expected errors.Is to match ErrQuotaExhausted")
	}
	if !IsQuotaExhausted(err) {
		t.Error("expected IsQuotaExhausted to be true")
	}
	if got := GetQuotaStatus(err); got != status {
		t.Errorf("GetQuotaStatus returned %+v, want the original snapshot", got)
	}
}

func TestQuotaExhaustedErrorWrapped(t *testing.T) {
	err := fmt.Errorf("analysis aborted: %w", NewQuotaExhaustedError(nil))

	if !IsQuotaExhausted(err) {
		t.Error("expected IsQuotaExhausted to see through wrapping")
	}
	if GetQuotaStatus(err) != nil {
		t.Error("expected nil status from error built without a snapshot")
	}
}

func TestIsQuotaExhaustedOtherErrors(t *testing.T) {
	if IsQuotaExhausted(nil) {
		t.Error("nil error must not be quota exhaustion")
	}
	if IsQuotaExhausted(ErrReservationNotFound) {
		t.Error("reservation-not-found must not be quota exhaustion")
	}
	if GetQuotaStatus(errors.New("boom")) != nil {
		t.Error("unrelated errors must not carry a status")
	}
}
