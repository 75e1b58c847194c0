// Package cowmap provides a sharded, copy-on-write map keyed by string.
//
// Readers load an immutable snapshot of their shard with a single atomic
// pointer read and never block writers; writers serialize per shard, clone
// the shard map, and swap the snapshot atomically. Values stored in the map
// must themselves be treated as immutable - mutation happens by storing a
// replacement value, never in place.
//
// This is the shared-state pattern used by the Topic Table and Operator
// Registry: concurrent readers on the routing hot path never observe a
// half-updated record.
package cowmap
