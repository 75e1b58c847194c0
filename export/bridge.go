package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/inspect"
	"github.com/novelbytelabs/arqonbus/pkg/retry"
)

const (
	// DefaultSubjectPrefix is prepended to mirrored topic names.
	DefaultSubjectPrefix = "arqon.export"
	// DefaultAuditStream holds inspection decisions.
	DefaultAuditStream = "ARQON_AUDIT"
	// DefaultAuditSubject is the decision append subject.
	DefaultAuditSubject = "arqon.audit.decisions"
)

// Bridge mirrors exportable traffic to NATS and appends inspection
// decisions to a JetStream audit stream.
type Bridge struct {
	url           string
	name          string
	subjectPrefix string
	auditStream   string
	auditSubject  string
	auditMaxAge   time.Duration
	reconnectWait time.Duration
	maxReconnects int
	connectRetry  retry.Config
	logger        *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubjectPrefix overrides the mirror subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix != "" {
			b.subjectPrefix = prefix
		}
	}
}

// WithAuditStream overrides the audit stream name and subject.
func WithAuditStream(stream, subject string) Option {
	return func(b *Bridge) {
		if stream != "" {
			b.auditStream = stream
		}
		if subject != "" {
			b.auditSubject = subject
		}
	}
}

// WithAuditMaxAge bounds audit stream retention.
func WithAuditMaxAge(d time.Duration) Option {
	return func(b *Bridge) { b.auditMaxAge = d }
}

// WithLogger sets the bridge's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithConnectRetry overrides the initial connection retry policy.
func WithConnectRetry(cfg retry.Config) Option {
	return func(b *Bridge) { b.connectRetry = cfg }
}

// New creates a bridge for the given NATS URL. Connect must be called
// before use.
func New(url string, opts ...Option) *Bridge {
	b := &Bridge{
		url:           url,
		name:          "arqonbus-export",
		subjectPrefix: DefaultSubjectPrefix,
		auditStream:   DefaultAuditStream,
		auditSubject:  DefaultAuditSubject,
		auditMaxAge:   30 * 24 * time.Hour,
		reconnectWait: 2 * time.Second,
		maxReconnects: -1,
		connectRetry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect establishes the NATS connection and ensures the audit stream
// exists. Transient failures are retried per the configured policy.
func (b *Bridge) Connect(ctx context.Context) error {
	err := b.connectRetry.Do(ctx, func() error {
		conn, err := nats.Connect(b.url,
			nats.Name(b.name),
			nats.MaxReconnects(b.maxReconnects),
			nats.ReconnectWait(b.reconnectWait),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				b.logger.Warn("export bridge disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				b.logger.Info("export bridge reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return err
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return retry.NonRetryable(err)
		}

		b.mu.Lock()
		b.conn = conn
		b.js = js
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Connect", "connect to nats")
	}

	if err := b.ensureAuditStream(ctx); err != nil {
		return err
	}

	b.logger.Info("export bridge connected",
		"url", b.url,
		"prefix", b.subjectPrefix,
		"audit_stream", b.auditStream)
	return nil
}

func (b *Bridge) ensureAuditStream(ctx context.Context) error {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.auditStream,
		Subjects:  []string{b.auditSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    b.auditMaxAge,
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Connect", "ensure audit stream")
	}
	return nil
}

// SubjectFor maps a bus topic to its mirror subject.
func (b *Bridge) SubjectFor(topic envelope.Topic) string {
	return b.subjectPrefix + "." + topic.String()
}

// Mirror publishes an admitted envelope to its export subject.
// Implements the Router's mirror hook.
func (b *Bridge) Mirror(_ context.Context, env *envelope.Envelope) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Bridge", "Mirror", "publish export")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "Mirror", "encode envelope")
	}
	if err := conn.Publish(b.SubjectFor(env.Topic()), data); err != nil {
		return errors.WrapTransient(err, "Bridge", "Mirror", "publish export")
	}
	return nil
}

// RecordDecision appends one inspection decision to the audit stream.
// Implements inspect.DecisionSink.
func (b *Bridge) RecordDecision(ctx context.Context, d inspect.Decision) error {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()
	if js == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Bridge", "RecordDecision", "append decision")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "RecordDecision", "encode decision")
	}
	if _, err := js.Publish(ctx, b.auditSubject, data); err != nil {
		return errors.WrapTransient(err, "Bridge", "RecordDecision", "append decision")
	}
	return nil
}

// Connected reports whether the underlying connection is live.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.conn.IsConnected()
}

// Stop drains the connection so queued publishes flush before close.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.conn.Drain() }()
	select {
	case err := <-done:
		b.conn = nil
		b.js = nil
		if err != nil {
			return errors.WrapTransient(err, "Bridge", "Stop", "drain connection")
		}
		return nil
	case <-time.After(timeout):
		b.conn.Close()
		b.conn = nil
		b.js = nil
		return errors.WrapTransient(errors.ErrShutdownTimeout, "Bridge", "Stop", "drain connection")
	}
}
