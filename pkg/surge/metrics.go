package surge

// Metric hooks. The default build leaves them as no-ops; the prometheus
// build tag (metrics_prometheus.go) swaps in real counters.
var (
	metricConnectionsAccepted = func() {}
	metricUpgrades            = func() {}
	metricRequestsDispatched  = func() {}
)
