package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	settledReservations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "settled_reservations_total",
		Help:      "Total reservations settled by the sweep.",
	})

	settleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "settle_failures_total",
		Help:      "Total per-row settlement failures; rows retry next sweep.",
	})

	releasedReservations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "released_reservations_total",
		Help:      "Total reservations released for failed requests.",
	})

	timedOutRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "timed_out_requests_total",
		Help:      "Total pending requests failed because their reservation expired.",
	})

	staleReservations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "stale_reservations",
		Help:      "Reservations past the dead-letter window found in the last sweep.",
	})

	invalidStateReservations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "invalid_state_reservations",
		Help:      "Released reservations with pending requests found in the last sweep.",
	})

	stepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "step_errors_total",
		Help:      "Total aborted sweep steps by step name.",
	}, []string{"step"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relaybill",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of full reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		settledReservations,
		settleFailures,
		releasedReservations,
		timedOutRequests,
		staleReservations,
		invalidStateReservations,
		stepErrors,
		runDuration,
	)
}
