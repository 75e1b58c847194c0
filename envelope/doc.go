// Package envelope defines the atomic unit of data on the bus: a typed,
// timestamped, immutable message addressed to a hierarchical topic.
//
// The wire shape is JSON with fields version, id, type, room, channel,
// from, timestamp, payload. Room and channel together form the dotted
// topic name (tenant.room.channel convention). Envelopes are immutable
// once admitted: all fields are private and every modification (relabel,
// republication onto another topic) produces a derived copy.
package envelope
