// Package gateway is the bus's admission boundary: the WebSocket
// listener, JWT authentication, per-connection rate limiting, wire
// schema validation, and the bus-scope command surface.
//
// Everything past the gateway deals in validated envelopes from an
// authenticated origin; nothing inside the Router re-checks admission.
// Admission failures are answered with structured command_response
// envelopes, and a connection is only torn down after repeated
// violations.
package gateway
