// Package analysis records USB transfers per device and evaluates the
// history for protocol patterns: the busiest endpoint, whether transfer
// sizes are uniform across endpoints, and which endpoints fail too often.
//
// The Analyzer implements registry.Monitor. Recorded transfer sizes are
// forwarded to a TrafficSink so bandwidth accounting sees the same traffic.
package analysis
