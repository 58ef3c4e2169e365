// Package metrics defines the Prometheus collectors exported by the engine and
// the relay.
package metrics
