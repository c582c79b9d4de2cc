// Package observability provides an OpenTelemetry-based metrics
// extension for dagrun. The MetricsExtension implements lifecycle hooks
// to record counters for run starts and completions, a histogram of run
// durations, and counters for step failures and skips.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
