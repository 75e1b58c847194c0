// Package circuit implements the Circuit Engine: validation of
// declarative topic-to-topic pipelines and compilation into the Topic
// Table's forwarding rules.
//
// A circuit's edges (excluding declared feedback edges) must form a DAG,
// verified by topological sort at install time. Feedback edges are the
// system's only sanctioned cyclic flow; they compile into forwarding
// rules tagged with the circuit's hop budget so the Router caps
// propagation depth instead of discovering runaway loops at runtime.
// Installing, replacing, or removing a circuit is atomic: the Router
// never observes a partially-applied circuit.
package circuit
