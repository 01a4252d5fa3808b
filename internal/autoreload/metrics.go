package autoreload

import "github.com/prometheus/client_golang/prometheus"

var reloadOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaybill",
	Subsystem: "autoreload",
	Name:      "outcomes_total",
	Help:      "Auto-reload attempts by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(reloadOutcomes)
}
