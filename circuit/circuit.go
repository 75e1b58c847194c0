package circuit

import (
	"fmt"
	"sort"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/operator"
)

// Role tags a node with its position in a pipeline. Roles are metadata
// carried for tooling and audit; routing never branches on them.
type Role string

const (
	RoleSource     Role = "source"
	RoleSubstrate  Role = "substrate"
	RoleController Role = "controller"
	RoleObserver   Role = "observer"
	RoleArchitect  Role = "architect"
	RoleSink       Role = "sink"
)

var knownRoles = map[Role]bool{
	RoleSource:     true,
	RoleSubstrate:  true,
	RoleController: true,
	RoleObserver:   true,
	RoleArchitect:  true,
	RoleSink:       true,
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool { return knownRoles[r] }

// Node binds a topic into a circuit with its role and the operator tier
// expected to service it.
type Node struct {
	Topic envelope.Topic `json:"topic"`
	Role  Role           `json:"role"`
	Tier  operator.Tier  `json:"tier"`
}

// Edge is a directed forwarding link between two node topics. Transform
// optionally names a registered payload transform applied in flight.
type Edge struct {
	From      envelope.Topic `json:"from"`
	To        envelope.Topic `json:"to"`
	Transform string         `json:"transform,omitempty"`
}

func (e Edge) key() string { return string(e.From) + "\x00" + string(e.To) }

// Circuit is a declarative pipeline definition. FeedbackEdges must be a
// subset of Edges; they are excluded from acyclicity checking and carry
// the hop budget at runtime.
type Circuit struct {
	ID            string `json:"id"`
	Nodes         []Node `json:"nodes"`
	Edges         []Edge `json:"edges"`
	FeedbackEdges []Edge `json:"feedback_edges,omitempty"`

	// HopBudget caps how many times a single causal chain may traverse
	// each feedback edge. Zero means the engine default.
	HopBudget int `json:"hop_budget,omitempty"`

	// Production marks the circuit as serving production topics. An
	// omega-tier node in a production circuit is rejected unless the
	// installing operator holds a production override.
	Production bool `json:"production,omitempty"`
}

// validate checks everything that can be checked without the topic
// table: structure, role names, edge endpoints, feedback subset, and
// acyclicity of the non-feedback edge set.
func (c *Circuit) validate() error {
	if c.ID == "" {
		return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate", "circuit id is empty")
	}
	if len(c.Nodes) == 0 {
		return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate", "circuit has no nodes")
	}

	nodes := make(map[envelope.Topic]Node, len(c.Nodes))
	for _, n := range c.Nodes {
		if _, err := envelope.ParseTopic(string(n.Topic)); err != nil {
			return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate",
				fmt.Sprintf("node topic %q is malformed", n.Topic))
		}
		if !n.Role.Valid() {
			return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate",
				fmt.Sprintf("node %s has unknown role %q", n.Topic, n.Role))
		}
		if _, dup := nodes[n.Topic]; dup {
			return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate",
				fmt.Sprintf("duplicate node topic %s", n.Topic))
		}
		nodes[n.Topic] = n
	}

	edgeSet := make(map[string]bool, len(c.Edges))
	for _, e := range c.Edges {
		if _, ok := nodes[e.From]; !ok {
			return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate",
				fmt.Sprintf("edge references undeclared node %s", e.From))
		}
		if _, ok := nodes[e.To]; !ok {
			return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate",
				fmt.Sprintf("edge references undeclared node %s", e.To))
		}
		if e.From == e.To {
			return errors.WrapInvalid(errors.ErrCircuitCycle, "Circuit", "validate",
				fmt.Sprintf("self-loop on %s", e.From))
		}
		if edgeSet[e.key()] {
			return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate",
				fmt.Sprintf("duplicate edge %s -> %s", e.From, e.To))
		}
		edgeSet[e.key()] = true
	}

	feedback := make(map[string]bool, len(c.FeedbackEdges))
	for _, e := range c.FeedbackEdges {
		if !edgeSet[e.key()] {
			return errors.WrapInvalid(errors.ErrCircuitInvalid, "Circuit", "validate",
				fmt.Sprintf("feedback edge %s -> %s not declared in edges", e.From, e.To))
		}
		feedback[e.key()] = true
	}

	return c.checkAcyclic(feedback)
}

// checkAcyclic runs Kahn's algorithm over the edges minus the declared
// feedback set. Any remainder after the sort is a cycle the author did
// not declare, and the circuit is rejected.
func (c *Circuit) checkAcyclic(feedback map[string]bool) error {
	indegree := make(map[envelope.Topic]int, len(c.Nodes))
	adj := make(map[envelope.Topic][]envelope.Topic, len(c.Nodes))
	for _, n := range c.Nodes {
		indegree[n.Topic] = 0
	}
	for _, e := range c.Edges {
		if feedback[e.key()] {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	// Deterministic frontier ordering keeps error output stable.
	var frontier []envelope.Topic
	for t, d := range indegree {
		if d == 0 {
			frontier = append(frontier, t)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

	visited := 0
	for len(frontier) > 0 {
		t := frontier[0]
		frontier = frontier[1:]
		visited++
		for _, next := range adj[t] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if visited != len(c.Nodes) {
		var stuck []string
		for t, d := range indegree {
			if d > 0 {
				stuck = append(stuck, string(t))
			}
		}
		sort.Strings(stuck)
		return errors.WrapInvalid(errors.ErrCircuitCycle, "Circuit", "validate",
			fmt.Sprintf("undeclared cycle through %v", stuck))
	}
	return nil
}

// omegaNodes returns the topics of omega-tier nodes in declaration order.
func (c *Circuit) omegaNodes() []envelope.Topic {
	var out []envelope.Topic
	for _, n := range c.Nodes {
		if n.Tier == operator.TierOmega {
			out = append(out, n.Topic)
		}
	}
	return out
}
