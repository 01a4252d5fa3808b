package expiry

import "github.com/prometheus/client_golang/prometheus"

var expiredReservations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "relaybill",
	Subsystem: "expiry",
	Name:      "expired_reservations_total",
	Help:      "Total reservations moved to expired by the safety-net sweep.",
})

func init() {
	prometheus.MustRegister(expiredReservations)
}
