// Package telemetry samples power draw and throughput of monitored devices.
//
// PowerMonitor and BandwidthMonitor implement registry.Monitor. Each
// monitored device gets one repeating task on the shared event loop; Stop
// cancels it synchronously, so no stats event for a device is published
// after its monitors are stopped.
package telemetry
