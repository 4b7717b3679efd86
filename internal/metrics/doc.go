// Package metrics aggregates execution outcomes: monotonic counters plus
// fixed-capacity ring buffers of recent durations, total and per stage.
// Snapshots derive means and rates on demand. The same outcomes are mirrored
// to Prometheus and, optionally, to a Redis stats sink.
package metrics
