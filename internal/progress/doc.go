// Package progress fans job run snapshots out to pluggable sinks. The Hub
// implements crawler.ProgressSink without ever blocking the orchestrator: it
// buffers snapshots, batches them on a background goroutine, and hands each
// batch to sinks such as Prometheus metrics, run history storage, or a
// notification publisher.
package progress
