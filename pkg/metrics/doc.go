// Package metrics defines the Prometheus collectors exported on /metrics:
// session gauges, launch outcomes, poller pacing, scheduler CLI health,
// tunnel lifecycle, and proxy traffic.
package metrics
