//go:build prometheus

package surge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the engine
var (
	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "surge",
		Subsystem: "engine",
		Name:      "connections_accepted_total",
		Help:      "Total number of accepted TCP connections",
	})

	h2cUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "surge",
		Subsystem: "engine",
		Name:      "h2c_upgrades_total",
		Help:      "Total number of successful h2c upgrades",
	})

	requestsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "surge",
		Subsystem: "engine",
		Name:      "requests_dispatched_total",
		Help:      "Total number of requests handed to the executor",
	})
)

func init() {
	metricConnectionsAccepted = connectionsAccepted.Inc
	metricUpgrades = h2cUpgrades.Inc
	metricRequestsDispatched = requestsDispatched.Inc
}
