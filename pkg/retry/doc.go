// Package retry provides exponential backoff retry logic with jitter.
// It is used by the export bridge for connection establishment and
// republication of audit records after transient NATS failures.
package retry
