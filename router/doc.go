// Package router is the admission and fan-out core of the bus. Route
// carries one envelope from capability check through inspection to
// every matching subscriber queue, then republishes it along any
// circuit forwarding rules installed on the topic.
//
// Routing is synchronous from the publisher's session: envelopes from
// one publisher to one topic are admitted in arrival order, which is
// the only ordering the bus guarantees. Inspection is fail-closed; no
// pipeline failure ever widens into a delivery.
package router
