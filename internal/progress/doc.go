// Package progress carries job status changes from the pipeline to live
// listeners. Store wraps a scan.JobStore and emits an Event after every
// successful job write; Hub batches events on a background goroutine and fans
// them out to sinks without ever blocking the writer.
package progress
