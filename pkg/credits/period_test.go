package credits

import (
	"testing"
	"time"
)

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		name string
		time time.Time
		want string
	}{
		{
			name: "mid month",
			time: time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC),
			want: "2026-02-01",
		},
		{
			name: "first instant of month",
			time: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			want: "2026-03-01",
		},
		{
			name: "last instant of month",
			time: time.Date(2026, 2, 28, 23, 59, 59, 999999999, time.UTC),
			want: "2026-02-01",
		},
		{
			name: "local date ahead of UTC",
			time: time.Date(2026, 3, 1, 0, 30, 0, 0, time.FixedZone("UTC+14", 14*3600)),
			want: "2026-02-01",
		},
		{
			name: "local date behind UTC",
			time: time.Date(2026, 2, 28, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600)),
			want: "2026-03-01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PeriodStart(tt.time); got != tt.want {
				t.Errorf("PeriodStart(%v) = %q, want %q", tt.time, got, tt.want)
			}
		})
	}
}
