package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/novelbytelabs/arqonbus/errors"
)

// SchemaVersion is the wire schema version this codec produces.
const SchemaVersion = "1.0"

// Envelope is an immutable bus message. All fields are private; derived
// copies (relabel, redirect) are created through methods rather than
// mutation so admitted envelopes never change underneath a subscriber.
type Envelope struct {
	schemaVersion string
	id            string
	kind          Kind
	topic         Topic
	origin        string
	issuedAt      time.Time
	correlationID string
	label         string
	payload       json.RawMessage
}

// Option is a functional option for envelope construction.
type Option func(*Envelope)

// WithID sets an explicit envelope ID instead of generating one.
func WithID(id string) Option {
	return func(e *Envelope) { e.id = id }
}

// WithTime sets an explicit issue timestamp instead of time.Now.
func WithTime(t time.Time) Option {
	return func(e *Envelope) { e.issuedAt = t }
}

// WithCorrelation links this envelope to a prior envelope's ID.
func WithCorrelation(id string) Option {
	return func(e *Envelope) { e.correlationID = id }
}

// WithLabel sets the content label consumed by inspectors.
func WithLabel(label string) Option {
	return func(e *Envelope) { e.label = label }
}

// New creates a validated envelope.
func New(kind Kind, topic Topic, origin string, payload json.RawMessage, opts ...Option) (*Envelope, error) {
	e := &Envelope{
		schemaVersion: SchemaVersion,
		id:            uuid.New().String(),
		kind:          kind,
		topic:         topic,
		origin:        origin,
		issuedAt:      time.Now().UTC(),
		payload:       payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// ID returns the globally unique envelope identifier.
func (e *Envelope) ID() string { return e.id }

// Kind returns the envelope's message class.
func (e *Envelope) Kind() Kind { return e.kind }

// Topic returns the destination topic.
func (e *Envelope) Topic() Topic { return e.topic }

// Origin returns the identifier of the publishing client or operator.
func (e *Envelope) Origin() string { return e.origin }

// IssuedAt returns the publisher's issue timestamp.
func (e *Envelope) IssuedAt() time.Time { return e.issuedAt }

// CorrelationID returns the ID of the envelope this one responds to or
// derives from, or "" if none.
func (e *Envelope) CorrelationID() string { return e.correlationID }

// Label returns the content label, or "" if unlabeled.
func (e *Envelope) Label() string { return e.label }

// Payload returns the opaque payload bytes. Callers must not modify the
// returned slice.
func (e *Envelope) Payload() json.RawMessage { return e.payload }

// Validate checks the envelope's structural invariants.
func (e *Envelope) Validate() error {
	if e.id == "" {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate", "missing id")
	}
	if !e.kind.IsValid() {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
			"invalid type "+string(e.kind))
	}
	if err := e.topic.Validate(); err != nil {
		return err
	}
	if e.origin == "" {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate", "missing from")
	}
	if e.issuedAt.IsZero() {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate", "missing timestamp")
	}
	return nil
}

// Relabeled returns a copy with the content label replaced. The ID is
// preserved: a relabel verdict amends the same admitted envelope.
func (e *Envelope) Relabeled(label string) *Envelope {
	clone := *e
	clone.label = label
	return &clone
}

// Redirect returns a derived copy addressed to another topic with a fresh
// ID and the original ID as correlation. Used for quarantine redirection
// and circuit republication; the original envelope stays immutable.
func (e *Envelope) Redirect(topic Topic) *Envelope {
	clone := *e
	clone.id = uuid.New().String()
	clone.topic = topic
	clone.correlationID = e.id
	return &clone
}

// wireFormat is the JSON wire shape.
type wireFormat struct {
	Version       string          `json:"version"`
	ID            string          `json:"id"`
	Type          Kind            `json:"type"`
	Room          string          `json:"room"`
	Channel       string          `json:"channel"`
	From          string          `json:"from"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Label         string          `json:"label,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFormat{
		Version:       e.schemaVersion,
		ID:            e.id,
		Type:          e.kind,
		Room:          e.topic.Room(),
		Channel:       e.topic.Channel(),
		From:          e.origin,
		Timestamp:     e.issuedAt.UTC().Format(time.RFC3339Nano),
		CorrelationID: e.correlationID,
		Label:         e.label,
		Payload:       e.payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The result is validated.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "decode wire format")
	}

	topic, err := JoinTopic(wire.Room, wire.Channel)
	if err != nil {
		return err
	}

	issuedAt, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "parse timestamp")
	}

	version := wire.Version
	if version == "" {
		version = SchemaVersion
	}

	e.schemaVersion = version
	e.id = wire.ID
	e.kind = wire.Type
	e.topic = topic
	e.origin = wire.From
	e.issuedAt = issuedAt
	e.correlationID = wire.CorrelationID
	e.label = wire.Label
	e.payload = wire.Payload

	return e.Validate()
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
