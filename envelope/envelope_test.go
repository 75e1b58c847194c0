package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/novelbytelabs/arqonbus/errors"
)

func TestNewEnvelope(t *testing.T) {
	env, err := New(KindEvent, "science.explore", "client-1", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID())
	assert.Equal(t, KindEvent, env.Kind())
	assert.Equal(t, Topic("science.explore"), env.Topic())
	assert.Equal(t, "client-1", env.Origin())
	assert.False(t, env.IssuedAt().IsZero())
	assert.Empty(t, env.CorrelationID())
}

func TestNewEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		topic  Topic
		origin string
	}{
		{"invalid kind", Kind("note"), "science.explore", "client-1"},
		{"single segment topic", KindEvent, "science", "client-1"},
		{"empty topic", KindEvent, "", "client-1"},
		{"uppercase topic", KindEvent, "Science.Explore", "client-1"},
		{"empty segment", KindEvent, "science..explore", "client-1"},
		{"missing origin", KindEvent, "science.explore", ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.kind, test.topic, test.origin, nil)
			require.Error(t, err)
			assert.True(t, cerrors.IsInvalid(err), "expected invalid classification, got %v", err)
		})
	}
}

func TestEnvelopeOptions(t *testing.T) {
	issued := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	env, err := New(KindCommandResponse, "acme.jobs.results", "bus",
		json.RawMessage(`{}`),
		WithID("fixed-id"),
		WithTime(issued),
		WithCorrelation("cmd-42"),
		WithLabel("reviewed"))
	require.NoError(t, err)

	assert.Equal(t, "fixed-id", env.ID())
	assert.Equal(t, issued, env.IssuedAt())
	assert.Equal(t, "cmd-42", env.CorrelationID())
	assert.Equal(t, "reviewed", env.Label())
}

func TestWireRoundTrip(t *testing.T) {
	env, err := New(KindTelemetry, "acme.fleet.metrics", "sensor-7",
		json.RawMessage(`{"temp":21.5}`), WithLabel("raw"))
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	// Wire shape check.
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "1.0", wire["version"])
	assert.Equal(t, "telemetry", wire["type"])
	assert.Equal(t, "acme.fleet", wire["room"])
	assert.Equal(t, "metrics", wire["channel"])
	assert.Equal(t, "sensor-7", wire["from"])

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID(), decoded.ID())
	assert.Equal(t, env.Topic(), decoded.Topic())
	assert.Equal(t, env.Kind(), decoded.Kind())
	assert.Equal(t, env.Label(), decoded.Label())
	assert.JSONEq(t, `{"temp":21.5}`, string(decoded.Payload()))
	assert.True(t, env.IssuedAt().Equal(decoded.IssuedAt()))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing room", `{"version":"1.0","id":"x","type":"event","channel":"explore","from":"c","timestamp":"2026-01-01T00:00:00Z"}`},
		{"bad timestamp", `{"version":"1.0","id":"x","type":"event","room":"science","channel":"explore","from":"c","timestamp":"yesterday"}`},
		{"bad type", `{"version":"1.0","id":"x","type":"gossip","room":"science","channel":"explore","from":"c","timestamp":"2026-01-01T00:00:00Z"}`},
		{"missing id", `{"version":"1.0","type":"event","room":"science","channel":"explore","from":"c","timestamp":"2026-01-01T00:00:00Z"}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode([]byte(test.data))
			require.Error(t, err)
		})
	}
}

func TestRelabeledPreservesIdentity(t *testing.T) {
	env, err := New(KindEvent, "ai.outputs", "model-1", json.RawMessage(`{}`), WithLabel("unreviewed"))
	require.NoError(t, err)

	relabeled := env.Relabeled("flagged")
	assert.Equal(t, env.ID(), relabeled.ID())
	assert.Equal(t, "flagged", relabeled.Label())
	// Original is untouched.
	assert.Equal(t, "unreviewed", env.Label())
}

func TestRedirectDerivesNewEnvelope(t *testing.T) {
	env, err := New(KindEvent, "ai.outputs", "model-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	q := env.Redirect(env.Topic().Quarantine())
	assert.NotEqual(t, env.ID(), q.ID())
	assert.Equal(t, Topic("ai.outputs.quarantine"), q.Topic())
	assert.Equal(t, env.ID(), q.CorrelationID())
	// Original is untouched.
	assert.Equal(t, Topic("ai.outputs"), env.Topic())
}

func TestTopicAccessors(t *testing.T) {
	topic := Topic("acme.fleet.jobs")
	assert.Equal(t, "acme", topic.Tenant())
	assert.Equal(t, "acme.fleet", topic.Room())
	assert.Equal(t, "jobs", topic.Channel())
	assert.Equal(t, ClassJobs, topic.TopicClass())

	assert.Equal(t, ClassGeneral, Topic("science.explore").TopicClass())
	assert.Equal(t, ClassAnomaly, AnomalyTopic.TopicClass())
	assert.Equal(t, Topic("acme.system.deadletter"), DeadLetterTopic("acme"))
}

func TestJoinTopic(t *testing.T) {
	topic, err := JoinTopic("acme.fleet", "control")
	require.NoError(t, err)
	assert.Equal(t, Topic("acme.fleet.control"), topic)

	_, err = JoinTopic("", "control")
	require.Error(t, err)
	_, err = JoinTopic("acme", "")
	require.Error(t, err)
}
