package circuit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/operator"
	"github.com/novelbytelabs/arqonbus/topictable"
)

const DefaultHopBudget = 4

// Engine validates circuits and installs them into the topic table as
// forwarding rules. It keeps the installed definitions so a circuit can
// be listed, replaced, or removed by ID.
type Engine struct {
	table     *topictable.Table
	operators *operator.Registry
	logger    *slog.Logger

	defaultHopBudget int

	mu       sync.Mutex
	circuits map[string]Circuit
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultHopBudget overrides the hop budget applied to circuits
// that do not set one.
func WithDefaultHopBudget(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultHopBudget = n
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine builds an Engine over the given table and operator
// registry. The registry may be nil when governance checks are handled
// upstream.
func NewEngine(table *topictable.Table, operators *operator.Registry, opts ...Option) *Engine {
	e := &Engine{
		table:            table,
		operators:        operators,
		logger:           slog.Default(),
		defaultHopBudget: DefaultHopBudget,
		circuits:         make(map[string]Circuit),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply validates c and installs its forwarding rules, replacing any
// prior revision with the same ID. installerID names the operator
// requesting the install; it is consulted for the production override
// when the circuit carries omega-tier nodes on a production pipeline.
// On any error nothing is installed and a prior revision stays intact.
func (e *Engine) Apply(c Circuit, installerID string) error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.HopBudget <= 0 {
		c.HopBudget = e.defaultHopBudget
	}

	for _, n := range c.Nodes {
		if _, ok := e.table.Get(n.Topic); !ok {
			return errors.WrapInvalid(errors.ErrUnknownTopic, "Engine", "Apply",
				fmt.Sprintf("circuit %s references unknown topic %s", c.ID, n.Topic))
		}
	}

	if c.Production {
		if omega := c.omegaNodes(); len(omega) > 0 {
			if !e.installerHasOverride(installerID) {
				return errors.WrapInvalid(errors.ErrCapabilityDenied, "Engine", "Apply",
					fmt.Sprintf("circuit %s places omega-tier nodes %v on a production pipeline without override", c.ID, omega))
			}
		}
	}

	rules := e.compile(c)

	e.mu.Lock()
	defer e.mu.Unlock()

	prior, replacing := e.circuits[c.ID]
	if err := e.table.InstallForwarding(c.ID, rules); err != nil {
		// InstallForwarding rolls itself back; reinstall the prior
		// revision so a failed replace does not drop the circuit.
		if replacing {
			if rerr := e.table.InstallForwarding(c.ID, e.compile(prior)); rerr != nil {
				e.logger.Error("failed to restore prior circuit revision",
					"circuit", c.ID, "error", rerr)
			}
		}
		return errors.Wrap(err, "Engine", "Apply", "install forwarding rules")
	}

	e.circuits[c.ID] = c
	e.logger.Info("circuit installed",
		"circuit", c.ID,
		"nodes", len(c.Nodes),
		"edges", len(c.Edges),
		"feedback_edges", len(c.FeedbackEdges),
		"hop_budget", c.HopBudget,
		"replaced", replacing)
	return nil
}

func (e *Engine) installerHasOverride(id string) bool {
	if e.operators == nil {
		return false
	}
	op, ok := e.operators.Get(id)
	return ok && op.Capabilities.HasProductionOverride()
}

// compile turns a validated circuit into per-edge forwarding rules.
func (e *Engine) compile(c Circuit) []topictable.ForwardingRule {
	feedback := make(map[string]bool, len(c.FeedbackEdges))
	for _, fe := range c.FeedbackEdges {
		feedback[fe.key()] = true
	}

	rules := make([]topictable.ForwardingRule, 0, len(c.Edges))
	for _, edge := range c.Edges {
		rules = append(rules, topictable.ForwardingRule{
			CircuitID: c.ID,
			From:      edge.From,
			To:        edge.To,
			Feedback:  feedback[edge.key()],
			HopBudget: c.HopBudget,
			Transform: edge.Transform,
		})
	}
	return rules
}

// Remove uninstalls the circuit's forwarding rules and forgets its
// definition. Removing an unknown ID is an error so callers can tell a
// typo from a no-op.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.circuits[id]; !ok {
		return errors.WrapInvalid(errors.ErrCircuitNotFound, "Engine", "Remove",
			"no circuit "+id)
	}
	e.table.RemoveForwarding(id)
	delete(e.circuits, id)
	e.logger.Info("circuit removed", "circuit", id)
	return nil
}

// Get returns the installed definition for id.
func (e *Engine) Get(id string) (Circuit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.circuits[id]
	return c, ok
}

// List returns the IDs of all installed circuits.
func (e *Engine) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.circuits))
	for id := range e.circuits {
		ids = append(ids, id)
	}
	return ids
}

// Describe reports each node's downstream fan-out, useful for status
// surfaces.
func (e *Engine) Describe(id string) (map[envelope.Topic][]envelope.Topic, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.circuits[id]
	if !ok {
		return nil, false
	}
	out := make(map[envelope.Topic][]envelope.Topic, len(c.Nodes))
	for _, edge := range c.Edges {
		out[edge.From] = append(out[edge.From], edge.To)
	}
	return out, true
}
