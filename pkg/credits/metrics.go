package credits

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_reservations_total",
		Help: "Total credit reservations granted, by trigger source.",
	}, []string{"source"})

	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_exhausted_total",
		Help: "Total reservation attempts denied because the monthly limit was reached.",
	})

	consumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_consumed_total",
		Help: "Total reservations committed as consumed.",
	})

	releasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_released_total",
		Help: "Total reservations rolled back without consuming a credit.",
	})

	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_reclaimed_total",
		Help: "Total expired reservations reclaimed lazily.",
	})
)
