package topictable

import (
	"time"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/pkg/queue"
)

// DeliveryMode selects the policy when a subscriber queue is full.
type DeliveryMode string

const (
	// AtMostOnce drops the envelope with a counted metric.
	AtMostOnce DeliveryMode = "at_most_once"
	// AtLeastOnce rejects the enqueue so backpressure propagates to
	// the publisher as a retry-after signal.
	AtLeastOnce DeliveryMode = "at_least_once"
)

// Filter is an optional per-subscription predicate applied during fan-out.
type Filter func(*envelope.Envelope) bool

// SubscriptionSpec describes a requested subscription.
type SubscriptionSpec struct {
	SubscriberID string
	Mode         DeliveryMode
	Durable      bool // operator subscriptions survive reconnects
	Filter       Filter
	QueueDepth   int // 0 uses the table default
}

// Subscription is a live subscription. The record itself is immutable;
// the delivery queue behind Queue is the mutable delivery channel between
// the Router and the subscriber's session pump.
type Subscription struct {
	SubscriberID string
	Topic        envelope.Topic
	Mode         DeliveryMode
	Durable      bool
	Filter       Filter
	Queue        *queue.Ring[*envelope.Envelope]
	CreatedAt    time.Time
}

// Matches applies the subscription filter, if any.
func (s *Subscription) Matches(env *envelope.Envelope) bool {
	return s.Filter == nil || s.Filter(env)
}

// ForwardingRule is a standing "republish from From to To" rule compiled
// from a circuit edge. Feedback rules carry the circuit's hop budget; the
// Router decrements a per-delivery budget when traversing them.
type ForwardingRule struct {
	CircuitID string
	From      envelope.Topic
	To        envelope.Topic
	Feedback  bool
	HopBudget int
	Transform string // opaque transform reference, applied by edge operators
}

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Name               envelope.Topic
	Exportable         bool
	Production         bool
	InspectionRequired bool
	InspectorChain     []string
	HistorySize        int // 0 uses the table default
}

// Topic is an immutable topic record. Mutation replaces the whole record
// in the shard snapshot. The history ring is shared across snapshots by
// pointer.
type Topic struct {
	Name               envelope.Topic
	TenantScope        string
	Exportable         bool
	Production         bool
	InspectionRequired bool
	InspectorChain     []string
	CreatedAt          time.Time

	subscriptions map[string]*Subscription
	forwarding    []ForwardingRule
	history       *queue.Ring[*envelope.Envelope]
}

// Subscriptions returns the current subscriber set. The returned slice is
// a copy; the Subscription pointers are shared live records.
func (t *Topic) Subscriptions() []*Subscription {
	out := make([]*Subscription, 0, len(t.subscriptions))
	for _, s := range t.subscriptions {
		out = append(out, s)
	}
	return out
}

// Subscription returns the subscriber's record, if subscribed.
func (t *Topic) Subscription(subscriberID string) (*Subscription, bool) {
	s, ok := t.subscriptions[subscriberID]
	return s, ok
}

// Forwarding returns the installed forwarding rules.
func (t *Topic) Forwarding() []ForwardingRule {
	return t.forwarding
}

// clone copies the record for copy-on-write mutation. The subscription
// map is cloned; queues, history, and chain slices are shared.
func (t *Topic) clone() *Topic {
	next := *t
	next.subscriptions = make(map[string]*Subscription, len(t.subscriptions))
	for k, v := range t.subscriptions {
		next.subscriptions[k] = v
	}
	next.forwarding = append([]ForwardingRule(nil), t.forwarding...)
	return &next
}
