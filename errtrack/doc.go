// Package errtrack provides the process-wide error taxonomy and tracker.
//
// Every failure in the pipeline is classified into a stable Kind string
// ("network", "timeout", "rate_limit", ...). The retry policy and the
// circuit breakers consult the same classification, so an error is
// retryable or not consistently across the system.
//
// The Tracker keeps total and per-kind counters, a bounded ring of recent
// entries, and per-kind rates over a sliding window. When a kind exceeds
// the alert policy it notifies a pluggable sink; sinks are decoupled from
// the recording path by a buffered queue so Record never blocks on I/O.
//
// One Tracker is constructed at startup and injected into every component;
// nothing in this package is a hidden global.
package errtrack
