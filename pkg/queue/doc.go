// Package queue provides a generic, thread-safe bounded ring queue with
// configurable overflow policies. It backs the Router's per-subscriber
// delivery queues (DropNewest for at-most-once, Reject for at-least-once
// backpressure) and the Topic Table's retained history rings (DropOldest).
//
// Statistics are always collected for observability.
package queue
