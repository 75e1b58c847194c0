package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/inspect"
	"github.com/novelbytelabs/arqonbus/pkg/retry"
)

func TestNewDefaults(t *testing.T) {
	b := New("nats://localhost:4222")

	assert.Equal(t, DefaultSubjectPrefix, b.subjectPrefix)
	assert.Equal(t, DefaultAuditStream, b.auditStream)
	assert.Equal(t, DefaultAuditSubject, b.auditSubject)
	assert.Equal(t, 30*24*time.Hour, b.auditMaxAge)
	assert.False(t, b.Connected())
}

func TestOptionsOverrideDefaults(t *testing.T) {
	b := New("nats://localhost:4222",
		WithSubjectPrefix("mirror.out"),
		WithAuditStream("AUDIT2", "audit.v2.decisions"),
		WithAuditMaxAge(time.Hour),
		WithConnectRetry(retry.Config{MaxAttempts: 1}),
	)

	assert.Equal(t, "mirror.out", b.subjectPrefix)
	assert.Equal(t, "AUDIT2", b.auditStream)
	assert.Equal(t, "audit.v2.decisions", b.auditSubject)
	assert.Equal(t, time.Hour, b.auditMaxAge)
	assert.Equal(t, 1, b.connectRetry.MaxAttempts)
}

func TestOptionsIgnoreEmptyValues(t *testing.T) {
	b := New("nats://localhost:4222",
		WithSubjectPrefix(""),
		WithAuditStream("", ""),
		WithLogger(nil),
	)

	assert.Equal(t, DefaultSubjectPrefix, b.subjectPrefix)
	assert.Equal(t, DefaultAuditStream, b.auditStream)
	assert.Equal(t, DefaultAuditSubject, b.auditSubject)
	assert.NotNil(t, b.logger)
}

func TestSubjectFor(t *testing.T) {
	b := New("nats://localhost:4222")
	assert.Equal(t, "arqon.export.acme.lab.jobs", b.SubjectFor(envelope.Topic("acme.lab.jobs")))

	b = New("nats://localhost:4222", WithSubjectPrefix("mirror"))
	assert.Equal(t, "mirror.acme.lab.results", b.SubjectFor(envelope.Topic("acme.lab.results")))
}

func TestMirrorWithoutConnection(t *testing.T) {
	b := New("nats://localhost:4222")

	env, err := envelope.New(envelope.KindEvent, "acme.lab.jobs", "op-1", []byte(`{"n":1}`))
	require.NoError(t, err)

	err = b.Mirror(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoConnection))
	assert.True(t, errors.IsTransient(err))
}

func TestRecordDecisionWithoutConnection(t *testing.T) {
	b := New("nats://localhost:4222")

	err := b.RecordDecision(context.Background(), inspect.Decision{
		EnvelopeID: "e-1",
		Topic:      "acme.lab.jobs",
		Verdict:    inspect.VerdictQuarantine,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoConnection))
	assert.True(t, errors.IsTransient(err))
}

func TestStopWithoutConnection(t *testing.T) {
	b := New("nats://localhost:4222")
	require.NoError(t, b.Stop(time.Second))
}
