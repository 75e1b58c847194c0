// Package operator implements the Operator Registry: identity, declared
// capabilities, trust tier, quotas, and health for every external service
// connected to the bus.
//
// Operator records are immutable snapshots held in a sharded copy-on-write
// map, so capability checks on the routing hot path never observe a
// half-replaced capability set. Re-registering an operator atomically
// replaces the prior record. The registry is the sole writer of health
// state and quota usage.
package operator
