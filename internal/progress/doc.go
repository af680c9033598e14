// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that audit sessions use to report progress. It batches events on a
// background goroutine and fans them out to pluggable sinks such as structured
// logs, Prometheus metrics, or a Pub/Sub topic.
package progress
