package topictable

import (
	"log/slog"
	"time"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/pkg/cowmap"
	"github.com/novelbytelabs/arqonbus/pkg/queue"
)

// Config bounds the table's per-topic resources.
type Config struct {
	Shards            int
	HistorySize       int // retained envelopes per topic
	DefaultQueueDepth int // subscriber queue capacity
}

// DefaultConfig returns the standard table bounds.
func DefaultConfig() Config {
	return Config{
		Shards:            cowmap.DefaultShards,
		HistorySize:       64,
		DefaultQueueDepth: 256,
	}
}

// Table is the topic namespace.
type Table struct {
	topics *cowmap.Map[*Topic]
	cfg    Config
	logger *slog.Logger
}

// New creates a topic table.
func New(cfg Config, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = cowmap.DefaultShards
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}
	if cfg.DefaultQueueDepth <= 0 {
		cfg.DefaultQueueDepth = 256
	}
	return &Table{
		topics: cowmap.New[*Topic](cfg.Shards),
		cfg:    cfg,
		logger: logger,
	}
}

// Create installs a topic. Creating an existing name is an error; topic
// names are unique within the namespace. The inspector chain is fixed at
// creation and only changes through SetInspection (a governed config
// command), never implicitly.
func (t *Table) Create(spec TopicSpec) (*Topic, error) {
	if err := spec.Name.Validate(); err != nil {
		return nil, err
	}

	historySize := spec.HistorySize
	if historySize <= 0 {
		historySize = t.cfg.HistorySize
	}

	record := &Topic{
		Name:               spec.Name,
		TenantScope:        spec.Name.Tenant(),
		Exportable:         spec.Exportable,
		Production:         spec.Production,
		InspectionRequired: spec.InspectionRequired,
		InspectorChain:     append([]string(nil), spec.InspectorChain...),
		CreatedAt:          time.Now(),
		subscriptions:      make(map[string]*Subscription),
		history:            queue.NewRing[*envelope.Envelope](historySize, queue.WithPolicy[*envelope.Envelope](queue.DropOldest)),
	}

	installed, stored := t.topics.SetIfAbsent(spec.Name.String(), record)
	if !stored {
		return installed, errors.WrapInvalid(errors.ErrInvalidConfig, "Table", "Create",
			"topic "+spec.Name.String()+" already exists")
	}

	t.logger.Debug("topic created",
		"topic", spec.Name.String(),
		"inspection", spec.InspectionRequired,
		"exportable", spec.Exportable,
		"production", spec.Production)
	return record, nil
}

// Ensure returns the topic, creating it with the given spec if absent.
// Used for auto-created topics and system topics (quarantine, dead-letter,
// anomaly).
func (t *Table) Ensure(spec TopicSpec) (*Topic, error) {
	if existing, ok := t.topics.Get(spec.Name.String()); ok {
		return existing, nil
	}
	created, err := t.Create(spec)
	if err != nil {
		// Lost a create race; the other record wins.
		if created != nil {
			return created, nil
		}
		return nil, err
	}
	return created, nil
}

// Get resolves a topic name.
func (t *Table) Get(name envelope.Topic) (*Topic, bool) {
	return t.topics.Get(name.String())
}

// Delete removes a topic and closes its subscriber queues.
func (t *Table) Delete(name envelope.Topic) bool {
	existing, ok := t.topics.Get(name.String())
	if !ok {
		return false
	}
	for _, sub := range existing.Subscriptions() {
		sub.Queue.Close()
	}
	existing.history.Close()
	return t.topics.Delete(name.String())
}

// Subscribe adds a subscriber to a topic and returns the live
// subscription carrying its bounded delivery queue.
func (t *Table) Subscribe(name envelope.Topic, spec SubscriptionSpec) (*Subscription, error) {
	if spec.SubscriberID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Table", "Subscribe",
			"subscriber id is required")
	}
	mode := spec.Mode
	if mode == "" {
		mode = AtMostOnce
	}
	depth := spec.QueueDepth
	if depth <= 0 {
		depth = t.cfg.DefaultQueueDepth
	}

	policy := queue.DropNewest
	if mode == AtLeastOnce {
		policy = queue.Reject
	}

	sub := &Subscription{
		SubscriberID: spec.SubscriberID,
		Topic:        name,
		Mode:         mode,
		Durable:      spec.Durable,
		Filter:       spec.Filter,
		Queue:        queue.NewRing(depth, queue.WithPolicy[*envelope.Envelope](policy)),
		CreatedAt:    time.Now(),
	}

	err := t.topics.Update(name.String(), func(cur *Topic, ok bool) (*Topic, bool, error) {
		if !ok {
			return nil, false, errors.ErrUnknownTopic
		}
		if existing, dup := cur.subscriptions[spec.SubscriberID]; dup {
			if existing.Durable {
				// Durable operator subscription survives reconnects:
				// reuse its queue so buffered envelopes are kept.
				sub = existing
				return cur, true, nil
			}
			existing.Queue.Close()
		}
		next := cur.clone()
		next.subscriptions[spec.SubscriberID] = sub
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a subscriber from a topic. Durable subscriptions
// are removed too when explicit=true (a leave command rather than a
// disconnect).
func (t *Table) Unsubscribe(name envelope.Topic, subscriberID string, explicit bool) error {
	return t.topics.Update(name.String(), func(cur *Topic, ok bool) (*Topic, bool, error) {
		if !ok {
			return nil, false, errors.ErrUnknownTopic
		}
		sub, exists := cur.subscriptions[subscriberID]
		if !exists {
			return cur, true, nil
		}
		if sub.Durable && !explicit {
			// Disconnect keeps durable subscriptions; envelopes keep
			// queueing until the operator reconnects or leaves.
			return cur, true, nil
		}
		sub.Queue.Close()
		next := cur.clone()
		delete(next.subscriptions, subscriberID)
		return next, true, nil
	})
}

// UnsubscribeAll removes every non-durable subscription held by a
// subscriber. Called when a connection drops; in-flight fan-out to other
// subscribers is unaffected.
func (t *Table) UnsubscribeAll(subscriberID string) {
	var names []envelope.Topic
	t.topics.Range(func(_ string, topic *Topic) bool {
		if _, ok := topic.subscriptions[subscriberID]; ok {
			names = append(names, topic.Name)
		}
		return true
	})
	for _, name := range names {
		_ = t.Unsubscribe(name, subscriberID, false)
	}
}

// SetInspection replaces a topic's inspection configuration. This is the
// governed path; nothing else changes an inspector chain after creation.
func (t *Table) SetInspection(name envelope.Topic, required bool, chain []string) error {
	return t.topics.Update(name.String(), func(cur *Topic, ok bool) (*Topic, bool, error) {
		if !ok {
			return nil, false, errors.ErrUnknownTopic
		}
		next := cur.clone()
		next.InspectionRequired = required
		next.InspectorChain = append([]string(nil), chain...)
		return next, true, nil
	})
}

// InstallForwarding installs a circuit's compiled rules. Each affected
// topic gets exactly one swap that drops the circuit's prior rules and
// appends the new revision's in the same update, so a replace never
// exposes a topic the circuit keeps without its rules. Topics the new
// revision dropped are cleared the same way.
func (t *Table) InstallForwarding(circuitID string, rules []ForwardingRule) error {
	byTopic := make(map[envelope.Topic][]ForwardingRule)
	for _, rule := range rules {
		byTopic[rule.From] = append(byTopic[rule.From], rule)
	}

	for from := range byTopic {
		if _, ok := t.Get(from); !ok {
			return errors.WrapInvalid(errors.ErrUnknownTopic, "Table", "InstallForwarding",
				"forwarding source "+from.String())
		}
	}

	installed := make(map[envelope.Topic]bool, len(byTopic))
	for _, name := range t.topics.Keys() {
		newRules, hasNew := byTopic[envelope.Topic(name)]
		if hasNew {
			installed[envelope.Topic(name)] = true
		}
		err := t.topics.Update(name, func(cur *Topic, ok bool) (*Topic, bool, error) {
			if !ok {
				if hasNew {
					return nil, false, errors.WrapInvalid(errors.ErrUnknownTopic, "Table", "InstallForwarding",
						"forwarding source "+name)
				}
				return nil, false, nil
			}
			kept := cur.forwarding[:0:0]
			for _, rule := range cur.forwarding {
				if rule.CircuitID != circuitID {
					kept = append(kept, rule)
				}
			}
			if !hasNew && len(kept) == len(cur.forwarding) {
				return cur, true, nil
			}
			next := cur.clone()
			next.forwarding = append(kept, newRules...)
			return next, true, nil
		})
		if err != nil {
			// Roll back the partial installation; the Router must never
			// observe half a circuit.
			t.RemoveForwarding(circuitID)
			return err
		}
	}

	// A source deleted between the existence check and the key snapshot
	// would otherwise drop its rules silently.
	for from := range byTopic {
		if !installed[from] {
			t.RemoveForwarding(circuitID)
			return errors.WrapInvalid(errors.ErrUnknownTopic, "Table", "InstallForwarding",
				"forwarding source "+from.String())
		}
	}
	return nil
}

// RemoveForwarding tears down all rules installed by a circuit.
func (t *Table) RemoveForwarding(circuitID string) {
	for _, name := range t.topics.Keys() {
		_ = t.topics.Update(name, func(cur *Topic, ok bool) (*Topic, bool, error) {
			if !ok {
				return nil, false, nil
			}
			kept := cur.forwarding[:0:0]
			for _, rule := range cur.forwarding {
				if rule.CircuitID != circuitID {
					kept = append(kept, rule)
				}
			}
			if len(kept) == len(cur.forwarding) {
				return cur, true, nil
			}
			next := cur.clone()
			next.forwarding = kept
			return next, true, nil
		})
	}
}

// AppendHistory retains an envelope in the topic's bounded ring. Eviction
// past the bound is silent; this is not a durability guarantee.
func (t *Table) AppendHistory(name envelope.Topic, env *envelope.Envelope) {
	if topic, ok := t.topics.Get(name.String()); ok {
		_ = topic.history.Push(env)
	}
}

// Snapshot returns up to limit recent envelopes, oldest first. limit <= 0
// returns the full retained window.
func (t *Table) Snapshot(name envelope.Topic, limit int) ([]*envelope.Envelope, error) {
	topic, ok := t.topics.Get(name.String())
	if !ok {
		return nil, errors.ErrUnknownTopic
	}
	all := topic.history.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Presence returns the subscriber IDs currently on a topic.
func (t *Table) Presence(name envelope.Topic) ([]string, error) {
	topic, ok := t.topics.Get(name.String())
	if !ok {
		return nil, errors.ErrUnknownTopic
	}
	subs := topic.Subscriptions()
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.SubscriberID)
	}
	return out, nil
}

// Counts returns the number of distinct rooms and topics (channels),
// feeding the rooms_total and channels_total gauges.
func (t *Table) Counts() (rooms, channels int) {
	seen := make(map[string]struct{})
	t.topics.Range(func(_ string, topic *Topic) bool {
		seen[topic.Name.Room()] = struct{}{}
		channels++
		return true
	})
	return len(seen), channels
}

// Topics returns all topic records.
func (t *Table) Topics() []*Topic {
	out := make([]*Topic, 0, t.topics.Len())
	t.topics.Range(func(_ string, topic *Topic) bool {
		out = append(out, topic)
		return true
	})
	return out
}
