/*
Package metrics provides Prometheus instrumentation for a RoadStack.

All metrics are registered against the default registry at package init.
Handler exposes them for scraping; cmd/raet mounts it under /metrics.

Families cover packet-level drops (outer parse, inner parse, destination
mismatch, oversize), transaction lifecycle (started, completed, timed out,
and a live gauge of the transaction table), retransmit and nack volume,
and the duration of one Service tick and of a keep-store write.

# Usage

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.ServiceTickDuration)
*/
package metrics
