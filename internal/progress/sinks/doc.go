// Package sinks implements progress consumers: a per-job broadcaster feeding
// live streams and a structured log sink.
package sinks
