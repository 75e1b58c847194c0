// Package export bridges the bus to NATS. Topics marked exportable are
// mirrored to external subjects so downstream systems can tap the
// stream without a gateway connection, and every inspection decision is
// appended to a JetStream audit stream.
//
// The bridge sits off the delivery path: a NATS outage degrades
// mirroring and audit durability, never in-bus delivery.
package export
