/*
Package metrics provides Prometheus metrics collection and exposition for
HakuRiver.

Metrics are defined and registered at package init, sampled either by direct
instrumentation (API request counters, scheduling latency) or by the
Collector, which polls the store on an interval to keep gauges like
hakuriver_nodes_total and hakuriver_tasks_total current.

# Categories

	Cluster:    node count by status, task count by status
	API:        request count and duration by method
	Scheduler:  pass latency, tasks scheduled/failed
	Liveness:   sweep duration, nodes marked offline
	Runner:     execution unit create duration by backend
	Registry:   environment sync duration
	Tunnel:     active connections, connection outcomes

# HTTP endpoint

Handler() returns the standard promhttp.Handler() for mounting at /metrics.

# Health

This package also exposes a small component health tracker (HealthChecker)
with health, readiness and liveness handlers, independent of the Prometheus
registry; the coordinator and runner mount only ReadyHandler, at /healthz.
Readiness requires every name passed to SetCriticalComponents to be
registered and healthy.
*/
package metrics
