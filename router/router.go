package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/inspect"
	"github.com/novelbytelabs/arqonbus/operator"
	"github.com/novelbytelabs/arqonbus/telemetry"
	"github.com/novelbytelabs/arqonbus/topictable"
)

// Mirror receives admitted envelopes on exportable topics. Implemented
// by the NATS export bridge; mirroring is off the delivery path and a
// mirror failure never affects subscribers.
type Mirror interface {
	Mirror(ctx context.Context, env *envelope.Envelope) error
}

// Router admits envelopes and fans them out.
type Router struct {
	table     *topictable.Table
	operators *operator.Registry
	pipeline  *inspect.Pipeline
	metrics   *telemetry.Metrics
	mirror    Mirror
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithMirror attaches the export bridge.
func WithMirror(m Mirror) Option {
	return func(r *Router) { r.mirror = m }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Router over the bus's shared state.
func New(table *topictable.Table, operators *operator.Registry, pipeline *inspect.Pipeline, metrics *telemetry.Metrics, opts ...Option) *Router {
	r := &Router{
		table:     table,
		operators: operators,
		pipeline:  pipeline,
		metrics:   metrics,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route admits one envelope from its origin and delivers it. Called
// synchronously from the publisher's session, so envelopes from one
// publisher to one topic are admitted in arrival order.
//
// The returned error is the publisher's: capability and unknown-topic
// rejections, or backpressure from a full at_least_once queue. A
// quarantine verdict is not a publisher error; the envelope was
// admitted and redirected.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		r.metrics.RecordError(errors.Code(err))
		return err
	}
	r.metrics.RecordReceived()

	rec, err := r.resolve(env)
	if err != nil {
		r.metrics.RecordError(errors.Code(err))
		return err
	}

	if err := r.checkPublish(env.Origin(), rec); err != nil {
		r.metrics.RecordError(errors.Code(err))
		return err
	}

	return r.deliver(ctx, rec, env, make(map[string]int))
}

// resolve looks the topic up, auto-creating it when the origin holds a
// create_topic capability for it.
func (r *Router) resolve(env *envelope.Envelope) (*topictable.Topic, error) {
	if rec, ok := r.table.Get(env.Topic()); ok {
		return rec, nil
	}
	if !r.operators.CanCreateTopic(env.Origin(), env.Topic()) {
		return nil, errors.WrapInvalid(errors.ErrUnknownTopic, "Router", "Route",
			"no topic "+env.Topic().String())
	}
	rec, err := r.table.Ensure(topictable.TopicSpec{Name: env.Topic()})
	if err != nil {
		return nil, err
	}
	r.refreshCounts()
	return rec, nil
}

// checkPublish applies operator governance. Origins absent from the
// registry are gateway clients; their admission was already enforced at
// the connection boundary.
func (r *Router) checkPublish(origin string, rec *topictable.Topic) error {
	if _, ok := r.operators.Get(origin); !ok {
		return nil
	}
	return r.operators.CheckPublish(origin, rec.Name, rec.Production)
}

// deliver runs inspection, fans out, and follows forwarding rules.
// feedbackHops tracks per-feedback-edge traversals within this causal
// chain so declared loops terminate at the circuit's hop budget.
func (r *Router) deliver(ctx context.Context, rec *topictable.Topic, env *envelope.Envelope, feedbackHops map[string]int) error {
	if rec.InspectionRequired {
		decision := r.pipeline.Inspect(ctx, env, rec.InspectorChain)
		r.metrics.RecordInspection(string(decision.Verdict), decision.Latency)

		switch decision.Verdict {
		case inspect.VerdictQuarantine:
			r.quarantine(ctx, rec, env, decision)
			return nil
		case inspect.VerdictRelabel:
			env = env.Relabeled(decision.Label)
		}
	}

	r.table.AppendHistory(rec.Name, env)

	if r.mirror != nil && rec.Exportable {
		err := r.mirror.Mirror(ctx, env)
		r.metrics.RecordExport(err)
		if err != nil {
			r.logger.Warn("export mirror failed",
				"topic", rec.Name.String(),
				"envelope", env.ID(),
				"error", err)
		}
	}

	overload := r.fanOut(rec, env)
	r.forward(ctx, rec, env, feedbackHops)
	return overload
}

// fanOut enqueues the envelope for every matching reachable subscriber.
// Unreachable operators are skipped; if they were the only recipients
// the envelope is dead-lettered instead of silently discarded.
func (r *Router) fanOut(rec *topictable.Topic, env *envelope.Envelope) error {
	var matched, reachable int
	var overload error

	for _, sub := range rec.Subscriptions() {
		if !sub.Matches(env) {
			continue
		}
		matched++

		if r.operatorUnreachable(sub.SubscriberID) {
			continue
		}
		reachable++

		retained, err := sub.Queue.Offer(env)
		switch {
		case err != nil:
			if errors.Is(err, errors.ErrOverload) {
				// at_least_once backpressure; the publisher retries.
				r.metrics.RecordDelivery(telemetry.OutcomeRejected)
				r.metrics.RecordError(errors.Code(errors.ErrOverload))
				overload = errors.WrapTransient(errors.ErrOverload, "Router", "Route",
					"subscriber "+sub.SubscriberID+" queue full on "+rec.Name.String())
				continue
			}
			// Closed queue: subscriber tore down mid fan-out.
			r.metrics.RecordDelivery(telemetry.OutcomeDropped)
		case !retained:
			r.metrics.RecordDelivery(telemetry.OutcomeDropped)
		default:
			r.metrics.RecordDelivery(telemetry.OutcomeDelivered)
		}
	}

	if matched > 0 && reachable == 0 {
		r.deadLetter(rec, env)
	}
	return overload
}

// forward republishes along the topic's circuit edges. Feedback edges
// consume hop budget; exhausted budget ends the chain quietly with a
// counted metric.
func (r *Router) forward(ctx context.Context, rec *topictable.Topic, env *envelope.Envelope, feedbackHops map[string]int) {
	for _, rule := range rec.Forwarding() {
		if rule.Feedback {
			key := rule.CircuitID + ":" + rule.From.String() + ">" + rule.To.String()
			if feedbackHops[key] >= rule.HopBudget {
				r.metrics.RecordFeedbackSuppressed()
				continue
			}
			feedbackHops[key]++
		}

		next, ok := r.table.Get(rule.To)
		if !ok {
			r.logger.Warn("forwarding rule references removed topic",
				"circuit", rule.CircuitID,
				"to", rule.To.String())
			continue
		}

		r.metrics.RecordForwarded()
		derived := env.Redirect(rule.To)
		if err := r.deliver(ctx, next, derived, feedbackHops); err != nil {
			r.logger.Warn("circuit delivery backpressured",
				"circuit", rule.CircuitID,
				"to", rule.To.String(),
				"error", err)
		}
	}
}

// quarantine redirects a rejected envelope to the topic's quarantine
// sibling and raises an anomaly event. The quarantine topic never
// carries inspection itself or redirection would recurse.
func (r *Router) quarantine(ctx context.Context, rec *topictable.Topic, env *envelope.Envelope, decision inspect.Decision) {
	qname := rec.Name.Quarantine()
	qrec, err := r.table.Ensure(topictable.TopicSpec{Name: qname})
	if err != nil {
		r.logger.Error("quarantine topic unavailable",
			"topic", qname.String(),
			"envelope", env.ID(),
			"error", err)
		return
	}
	r.metrics.RecordDelivery(telemetry.OutcomeQuarantined)

	derived := env.Redirect(qname)
	r.table.AppendHistory(qname, derived)
	for _, sub := range qrec.Subscriptions() {
		if retained, err := sub.Queue.Offer(derived); err == nil && retained {
			r.metrics.RecordDelivery(telemetry.OutcomeDelivered)
		}
	}

	r.emitAnomaly(ctx, env, decision)
}

// emitAnomaly publishes an inspection-failure event on the anomaly
// topic. Anomaly emission is best effort and never blocks routing.
func (r *Router) emitAnomaly(ctx context.Context, env *envelope.Envelope, decision inspect.Decision) {
	payload, err := json.Marshal(map[string]any{
		"envelope_id": env.ID(),
		"topic":       env.Topic().String(),
		"origin":      env.Origin(),
		"verdict":     decision.Verdict,
		"reasons":     decision.Reasons,
		"inspector":   decision.InspectorID,
		"observed_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	event, err := envelope.New(envelope.KindEvent, envelope.AnomalyTopic, "arqonbus", payload,
		envelope.WithCorrelation(env.ID()))
	if err != nil {
		return
	}

	rec, err := r.table.Ensure(topictable.TopicSpec{Name: envelope.AnomalyTopic})
	if err != nil {
		r.logger.Error("anomaly topic unavailable", "error", err)
		return
	}
	r.table.AppendHistory(rec.Name, event)
	for _, sub := range rec.Subscriptions() {
		if retained, err := sub.Queue.Offer(event); err == nil && retained {
			r.metrics.RecordDelivery(telemetry.OutcomeDelivered)
		}
	}
	if r.mirror != nil && rec.Exportable {
		r.metrics.RecordExport(r.mirror.Mirror(ctx, event))
	}
}

// deadLetter retains an envelope whose only recipients are unreachable
// on the tenant's dead-letter topic.
func (r *Router) deadLetter(rec *topictable.Topic, env *envelope.Envelope) {
	dlname := envelope.DeadLetterTopic(rec.Name.Tenant())
	dlrec, err := r.table.Ensure(topictable.TopicSpec{Name: dlname})
	if err != nil {
		r.logger.Error("dead-letter topic unavailable",
			"topic", dlname.String(),
			"envelope", env.ID(),
			"error", err)
		return
	}
	r.metrics.RecordDelivery(telemetry.OutcomeDeadLettered)

	derived := env.Redirect(dlname)
	r.table.AppendHistory(dlname, derived)
	for _, sub := range dlrec.Subscriptions() {
		if retained, err := sub.Queue.Offer(derived); err == nil && retained {
			r.metrics.RecordDelivery(telemetry.OutcomeDelivered)
		}
	}

	r.logger.Info("envelope dead-lettered",
		"topic", rec.Name.String(),
		"envelope", env.ID(),
		"deadletter", dlname.String())
}

func (r *Router) operatorUnreachable(id string) bool {
	op, ok := r.operators.Get(id)
	return ok && op.Health == operator.HealthUnreachable
}

func (r *Router) refreshCounts() {
	rooms, channels := r.table.Counts()
	r.metrics.SetNamespaceCounts(rooms, channels)
}
