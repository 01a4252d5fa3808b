package orphan

import "github.com/prometheus/client_golang/prometheus"

var orphanedOrgsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "relaybill",
	Subsystem: "orphan",
	Name:      "organizations_deleted_total",
	Help:      "Total duplicate free-tier organizations deleted.",
})

func init() {
	prometheus.MustRegister(orphanedOrgsDeleted)
}
