// Package topictable maintains the hierarchical topic namespace: per-topic
// metadata (tenant scope, exportable, production, inspection chain),
// subscriber sets, circuit-installed forwarding rules, and bounded retained
// history.
//
// Topic records are immutable snapshots in a sharded copy-on-write map;
// the Router reads them lock-free on the hot path. The two deliberately
// mutable structures - subscriber delivery queues and history rings - are
// reached through stable pointers so a snapshot swap never invalidates
// in-flight deliveries.
//
// The table owns Topic and Subscription records. Forwarding rules are
// owned by the Circuit Engine, which writes them exclusively through
// InstallForwarding/RemoveForwarding keyed by circuit ID.
package topictable
