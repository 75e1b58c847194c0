// Package inspect implements the inline content-inspection pipeline.
//
// Inspectors are operators invoked synchronously on the routing hot path
// for topics flagged inspection_required. Each call carries a bounded
// timeout; any timeout, error, or missing inspector converts to a
// quarantine verdict. Fail-closed is a hard invariant here, not a
// default - there is no configuration that converts an inspection
// failure into an allow.
//
// Every decision is appended to the audit log keyed by envelope ID
// before delivery proceeds, so "why was this blocked or allowed" is
// always reconstructible.
package inspect
