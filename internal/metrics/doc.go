// ABOUTME: Package metrics exposes gateway Prometheus instruments
// ABOUTME: One private registry per Metrics value

// Package metrics defines the gateway's Prometheus counters and gauges and
// serves them over HTTP.
package metrics
