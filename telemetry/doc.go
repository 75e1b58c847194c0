// Package telemetry exposes the bus's operational metrics and the
// sidecar HTTP surface (/metrics, /health, /version) on a dedicated
// listener, separate from the message-plane WebSocket listener.
//
// Metric series names follow the bus's published wire contract, so
// they are registered without a namespace prefix.
package telemetry
