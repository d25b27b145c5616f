// Package metrics exports monitoring state as Prometheus metrics. A
// Collector follows the event bus and keeps per-device gauges for power
// and throughput alongside counters for events, transfer errors and
// security decisions.
package metrics
