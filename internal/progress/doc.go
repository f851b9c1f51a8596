// Package progress carries job and attempt lifecycle events from workers to
// pluggable sinks. Emit never blocks; a background goroutine batches events
// and hands each batch to every sink.
package progress
