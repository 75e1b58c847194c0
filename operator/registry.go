package operator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/pkg/cowmap"
)

// Descriptor is the wire registration schema. OperatorType and any fields
// beyond tier/capabilities are opaque to the core.
type Descriptor struct {
	OperatorID       string   `json:"operator_id"`
	TenantID         string   `json:"tenant_id"`
	OperatorType     string   `json:"operator_type"`
	OperatorTier     string   `json:"operator_tier"`
	Capabilities     []string `json:"capabilities"`
	SubscribedTopics []string `json:"subscribed_topics,omitempty"`
	PublishedTopics  []string `json:"published_topics,omitempty"`
	Quotas           *Quotas  `json:"quotas,omitempty"`
}

// Operator is an immutable registry record. Replacement, never mutation:
// every state change stores a new record in the copy-on-write map.
type Operator struct {
	ID               string
	TenantID         string
	Type             string // opaque to the core
	Tier             Tier
	Capabilities     Set
	SubscribedTopics []envelope.Topic
	PublishedTopics  []envelope.Topic
	Quotas           Quotas
	Health           Health
	RegisteredAt     time.Time
	LastHeartbeat    time.Time
}

// HeartbeatPolicy configures the missed-heartbeat transition to
// unreachable.
type HeartbeatPolicy struct {
	Interval        time.Duration // expected beat interval
	MissedThreshold int           // consecutive missed beats before unreachable
	SweepInterval   time.Duration // how often the registry checks
}

// DefaultHeartbeatPolicy returns the standard policy: unreachable after
// 3 missed 5s beats.
func DefaultHeartbeatPolicy() HeartbeatPolicy {
	return HeartbeatPolicy{
		Interval:        5 * time.Second,
		MissedThreshold: 3,
		SweepInterval:   5 * time.Second,
	}
}

// Registry tracks connected operators.
type Registry struct {
	operators *cowmap.Map[*Operator]
	policy    HeartbeatPolicy
	logger    *slog.Logger

	// limiters holds the mutable per-operator publish token buckets.
	// They live outside the immutable records; a re-registration that
	// changes quotas replaces the limiter.
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	// now is replaceable for tests.
	now func() time.Time

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRegistry creates an operator registry.
func NewRegistry(policy HeartbeatPolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Interval <= 0 {
		policy.Interval = 5 * time.Second
	}
	if policy.MissedThreshold <= 0 {
		policy.MissedThreshold = 3
	}
	if policy.SweepInterval <= 0 {
		policy.SweepInterval = policy.Interval
	}
	return &Registry{
		operators: cowmap.New[*Operator](cowmap.DefaultShards),
		policy:    policy,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}
}

// Register validates a descriptor and installs the operator record.
// Re-registering an existing operator_id atomically replaces the prior
// record, including its capability set; there is no window where both
// old and new sets are enforceable.
func (r *Registry) Register(desc Descriptor) (string, error) {
	if desc.OperatorID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			"operator_id is required")
	}
	if desc.TenantID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			"tenant_id is required")
	}

	tier, err := ParseTier(desc.OperatorTier)
	if err != nil {
		return "", err
	}

	caps, err := ParseSet(desc.Capabilities)
	if err != nil {
		return "", errors.WrapInvalid(err, "Registry", "Register", "parse capabilities")
	}

	subscribed, err := parseTopics(desc.SubscribedTopics)
	if err != nil {
		return "", err
	}
	published, err := parseTopics(desc.PublishedTopics)
	if err != nil {
		return "", err
	}

	var requested Quotas
	if desc.Quotas != nil {
		requested = *desc.Quotas
	}
	quotas := clampToTier(tier, requested)

	now := r.now()
	record := &Operator{
		ID:               desc.OperatorID,
		TenantID:         desc.TenantID,
		Type:             desc.OperatorType,
		Tier:             tier,
		Capabilities:     caps,
		SubscribedTopics: subscribed,
		PublishedTopics:  published,
		Quotas:           quotas,
		Health:           HealthHealthy,
		RegisteredAt:     now,
		LastHeartbeat:    now,
	}

	r.operators.Set(desc.OperatorID, record)

	r.limitersMu.Lock()
	r.limiters[desc.OperatorID] = rate.NewLimiter(rate.Limit(quotas.RatePerSec), quotas.Burst)
	r.limitersMu.Unlock()

	r.logger.Info("operator registered",
		"operator", desc.OperatorID,
		"tenant", desc.TenantID,
		"tier", tier.String(),
		"capabilities", len(caps))

	return desc.OperatorID, nil
}

func parseTopics(names []string) ([]envelope.Topic, error) {
	out := make([]envelope.Topic, 0, len(names))
	for _, name := range names {
		t, err := envelope.ParseTopic(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Deregister removes an operator and its limiter.
func (r *Registry) Deregister(id string) bool {
	r.limitersMu.Lock()
	delete(r.limiters, id)
	r.limitersMu.Unlock()
	return r.operators.Delete(id)
}

// Get returns the current record for an operator.
func (r *Registry) Get(id string) (*Operator, bool) {
	return r.operators.Get(id)
}

// List returns all current operator records.
func (r *Registry) List() []*Operator {
	out := make([]*Operator, 0, r.operators.Len())
	r.operators.Range(func(_ string, op *Operator) bool {
		out = append(out, op)
		return true
	})
	return out
}

// Count returns the number of registered operators.
func (r *Registry) Count() int {
	return r.operators.Len()
}

// Heartbeat records a beat and restores health if the operator had
// degraded.
func (r *Registry) Heartbeat(id string) error {
	now := r.now()
	err := r.operators.Update(id, func(cur *Operator, ok bool) (*Operator, bool, error) {
		if !ok {
			return nil, false, errors.ErrOperatorNotFound
		}
		next := *cur
		next.LastHeartbeat = now
		next.Health = HealthHealthy
		return &next, true, nil
	})
	return err
}

// CheckPublish performs the live capability, health, and quota check for
// a publish. Capabilities are checked on every message, not only at
// registration, so revocation takes effect on the next message.
func (r *Registry) CheckPublish(id string, topic envelope.Topic, production bool) error {
	op, ok := r.operators.Get(id)
	if !ok {
		return errors.ErrOperatorNotFound
	}
	if !op.Capabilities.Allows(ActionPublish, topic) {
		return errors.WrapInvalid(errors.ErrCapabilityDenied, "Registry", "CheckPublish",
			"operator "+id+" cannot publish to "+topic.String())
	}
	if production && op.Tier == TierOmega && !op.Capabilities.HasProductionOverride() {
		return errors.WrapInvalid(errors.ErrCapabilityDenied, "Registry", "CheckPublish",
			"omega-tier operator "+id+" excluded from production topic "+topic.String())
	}

	r.limitersMu.Lock()
	limiter := r.limiters[id]
	r.limitersMu.Unlock()
	if limiter != nil && !limiter.Allow() {
		return errors.WrapTransient(errors.ErrQuotaExceeded, "Registry", "CheckPublish",
			"operator "+id+" publish rate")
	}
	return nil
}

// CheckSubscribe performs the live capability check for a subscription.
func (r *Registry) CheckSubscribe(id string, topic envelope.Topic, production bool) error {
	op, ok := r.operators.Get(id)
	if !ok {
		return errors.ErrOperatorNotFound
	}
	if !op.Capabilities.Allows(ActionSubscribe, topic) {
		return errors.WrapInvalid(errors.ErrCapabilityDenied, "Registry", "CheckSubscribe",
			"operator "+id+" cannot subscribe to "+topic.String())
	}
	if production && op.Tier == TierOmega && !op.Capabilities.HasProductionOverride() {
		return errors.WrapInvalid(errors.ErrCapabilityDenied, "Registry", "CheckSubscribe",
			"omega-tier operator "+id+" excluded from production topic "+topic.String())
	}
	return nil
}

// CanCreateTopic reports whether the operator may auto-create topic.
func (r *Registry) CanCreateTopic(id string, topic envelope.Topic) bool {
	op, ok := r.operators.Get(id)
	return ok && op.Capabilities.Allows(ActionCreateTopic, topic)
}

// Revoke removes matching capabilities from an operator's set atomically.
// The shrunken set is enforced on the operator's next message.
func (r *Registry) Revoke(id string, action Action, pattern string) error {
	return r.operators.Update(id, func(cur *Operator, ok bool) (*Operator, bool, error) {
		if !ok {
			return nil, false, errors.ErrOperatorNotFound
		}
		next := *cur
		next.Capabilities = cur.Capabilities.Without(action, pattern)
		return &next, true, nil
	})
}

// MarkUnreachable forces an operator into the unreachable state, used
// by the admin surface to fence a misbehaving operator ahead of the
// heartbeat sweep.
func (r *Registry) MarkUnreachable(id string) error {
	return r.operators.Update(id, func(cur *Operator, ok bool) (*Operator, bool, error) {
		if !ok {
			return nil, false, errors.ErrOperatorNotFound
		}
		next := *cur
		next.Health = HealthUnreachable
		return &next, true, nil
	})
}

// IsUnreachable reports whether an operator is currently a
// non-destination. Unknown operators count as unreachable.
func (r *Registry) IsUnreachable(id string) bool {
	op, ok := r.operators.Get(id)
	return !ok || op.Health == HealthUnreachable
}

// Start launches the heartbeat sweeper.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.cancel != nil {
		return errors.ErrAlreadyStarted
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.policy.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
	return nil
}

// Stop halts the heartbeat sweeper.
func (r *Registry) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(timeout):
	}
	r.cancel = nil
	r.done = nil
	return nil
}

// sweep transitions operators through degraded to unreachable based on
// heartbeat age.
func (r *Registry) sweep() {
	now := r.now()
	degradedAfter := r.policy.Interval * 2
	unreachableAfter := r.policy.Interval * time.Duration(r.policy.MissedThreshold)

	for _, id := range r.operators.Keys() {
		_ = r.operators.Update(id, func(cur *Operator, ok bool) (*Operator, bool, error) {
			if !ok {
				return nil, false, nil
			}
			age := now.Sub(cur.LastHeartbeat)
			next := *cur
			switch {
			case age >= unreachableAfter:
				next.Health = HealthUnreachable
			case age >= degradedAfter:
				next.Health = HealthDegraded
			default:
				return cur, true, nil
			}
			if next.Health != cur.Health {
				r.logger.Warn("operator health transition",
					"operator", id,
					"from", string(cur.Health),
					"to", string(next.Health),
					"heartbeat_age", age.String())
			}
			return &next, true, nil
		})
	}
}

// SweepNow runs one heartbeat sweep synchronously.
func (r *Registry) SweepNow() {
	r.sweep()
}
