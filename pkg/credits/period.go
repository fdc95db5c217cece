package credits

import (
	"fmt"
	"time"
)

// PeriodStart returns the quota period bucket for the given instant: the
// first day of the UTC calendar month, formatted as YYYY-MM-01.
//
// The UTC month boundary is the only boundary that matters. A reservation
// taken at 23:59 UTC on the last day of a month counts against that month
// even if the caller's local date is already in the next one.
func PeriodStart(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d-01", u.Year(), int(u.Month()))
}
