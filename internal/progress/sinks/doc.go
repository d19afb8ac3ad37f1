// Package sinks implements concrete snapshot consumers: Prometheus metrics,
// run history storage, run notifications, and structured logging. Each sink
// satisfies the progress.Sink interface.
package sinks
