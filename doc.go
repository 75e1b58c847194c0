// Package arqonbus is a real-time message bus for hierarchical topics.
//
// Clients connect over WebSocket through the admission gateway, present a
// JWT, and exchange JSON envelopes on dotted topics of the form
// tenant.room.channel. Registered operators carry tiers and capability
// sets that the router checks on every message, so a revocation takes
// effect on the next publish rather than the next reconnect.
//
// # Architecture
//
//   - gateway: WebSocket admission, schema validation, rate limiting,
//     session pumps, admin commands
//   - router: pub/sub fan-out, inspection dispatch, quarantine,
//     dead-lettering, circuit forwarding
//   - topictable: sharded copy-on-write topic records with subscriptions,
//     bounded history, and forwarding rules
//   - operator: capability and tier registry with heartbeat liveness
//   - circuit: declarative pipelines compiled to forwarding rules, cycle
//     checking with explicit feedback edges and hop budgets
//   - inspect: fail-closed content inspection with an audit trail
//   - export: optional NATS mirror for exportable topics and a JetStream
//     audit stream
//   - telemetry: Prometheus metrics, health, and version endpoints
//
// Delivery guarantees are per subscription: at_most_once drops the newest
// message silently when a subscriber queue is full, at_least_once pushes
// the overload back to the publisher as a retryable error.
package arqonbus
