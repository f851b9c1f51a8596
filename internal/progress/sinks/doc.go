// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, and lifecycle event publishing.
package sinks
