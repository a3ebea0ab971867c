// Package metrics defines the Prometheus collectors exposed at
// /metrics.
package metrics
