package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelbytelabs/arqonbus/envelope"
)

// fakeInspector is a scriptable inspector for pipeline tests.
type fakeInspector struct {
	id     string
	result Result
	err    error
	delay  time.Duration
	calls  int
	seen   []*envelope.Envelope
}

func (f *fakeInspector) ID() string { return f.id }

func (f *fakeInspector) Inspect(ctx context.Context, env *envelope.Envelope) (Result, error) {
	f.calls++
	f.seen = append(f.seen, env)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.KindEvent, "ai.outputs", "model-1", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	return env
}

func newTestPipeline(timeout time.Duration, inspectors ...Inspector) *Pipeline {
	p := NewPipeline(timeout, NewAuditLog(64, nil, nil), nil)
	for _, ins := range inspectors {
		p.RegisterInspector(ins)
	}
	return p
}

func TestEmptyChainAllows(t *testing.T) {
	p := newTestPipeline(time.Second)
	d := p.Inspect(context.Background(), testEnvelope(t), nil)
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestAllowChain(t *testing.T) {
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictAllow}}
	b := &fakeInspector{id: "b", result: Result{Verdict: VerdictAllow}}
	p := newTestPipeline(time.Second, a, b)

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"a", "b"})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestQuarantineShortCircuits(t *testing.T) {
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictQuarantine, Reasons: []string{"rule.pii"}}}
	b := &fakeInspector{id: "b", result: Result{Verdict: VerdictAllow}}
	p := newTestPipeline(time.Second, a, b)

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"a", "b"})
	assert.Equal(t, VerdictQuarantine, d.Verdict)
	assert.Equal(t, "a", d.InspectorID)
	assert.Equal(t, []string{"rule.pii"}, d.Reasons)
	assert.Equal(t, 0, b.calls, "first quarantine short-circuits the chain")
}

func TestMostRestrictiveWins(t *testing.T) {
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictRelabel, Label: "sensitive", Reasons: []string{"rule.label"}}}
	b := &fakeInspector{id: "b", result: Result{Verdict: VerdictAllow}}
	p := newTestPipeline(time.Second, a, b)

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"a", "b"})
	assert.Equal(t, VerdictRelabel, d.Verdict, "later allow must not downgrade relabel")
	assert.Equal(t, "sensitive", d.Label)
	assert.Equal(t, "a", d.InspectorID)
}

func TestRelabelVisibleToLaterInspectors(t *testing.T) {
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictRelabel, Label: "flagged"}}
	b := &fakeInspector{id: "b", result: Result{Verdict: VerdictAllow}}
	p := newTestPipeline(time.Second, a, b)

	env := testEnvelope(t)
	p.Inspect(context.Background(), env, []string{"a", "b"})

	require.Len(t, b.seen, 1)
	assert.Equal(t, "flagged", b.seen[0].Label())
	// The admitted envelope itself is never mutated.
	assert.Empty(t, env.Label())
}

func TestTimeoutFailsClosed(t *testing.T) {
	slow := &fakeInspector{id: "slow", result: Result{Verdict: VerdictAllow}, delay: time.Second}
	p := newTestPipeline(20*time.Millisecond, slow)

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"slow"})
	assert.Equal(t, VerdictQuarantine, d.Verdict, "timeout must never fail open")
	assert.Contains(t, d.Reasons, ReasonTimeout)
	assert.Equal(t, "slow", d.InspectorID)
}

func TestInspectorErrorFailsClosed(t *testing.T) {
	broken := &fakeInspector{id: "broken", err: errors.New("classifier crashed")}
	p := newTestPipeline(time.Second, broken)

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"broken"})
	assert.Equal(t, VerdictQuarantine, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonInspectorError)
}

func TestMissingInspectorFailsClosed(t *testing.T) {
	p := newTestPipeline(time.Second)

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"ghost"})
	assert.Equal(t, VerdictQuarantine, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonInspectorMissing)
}

func TestDeregisteredInspectorFailsClosed(t *testing.T) {
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictAllow}}
	p := newTestPipeline(time.Second, a)
	p.DeregisterInspector("a")

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"a"})
	assert.Equal(t, VerdictQuarantine, d.Verdict)
}

// TestNoAllowEscapesUnderForcedFailures exercises the fail-closed
// property across a mix of failing inspectors: no combination of
// timeout or error may produce an allow.
func TestNoAllowEscapesUnderForcedFailures(t *testing.T) {
	cases := []Inspector{
		&fakeInspector{id: "i", delay: time.Second, result: Result{Verdict: VerdictAllow}},
		&fakeInspector{id: "i", err: errors.New("boom")},
	}

	for _, ins := range cases {
		p := newTestPipeline(10*time.Millisecond, ins)
		for n := 0; n < 20; n++ {
			d := p.Inspect(context.Background(), testEnvelope(t), []string{"i"})
			require.Equal(t, VerdictQuarantine, d.Verdict)
		}
	}
}

func TestDecisionRecordedBeforeReturn(t *testing.T) {
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictQuarantine, Reasons: []string{"rule.x"}}}
	p := newTestPipeline(time.Second, a)

	env := testEnvelope(t)
	d := p.Inspect(context.Background(), env, []string{"a"})

	got, ok := p.Audit().Lookup(env.ID())
	require.True(t, ok, "decision must be reconstructible by envelope id")
	assert.Equal(t, d.Verdict, got.Verdict)
	assert.Equal(t, d.Reasons, got.Reasons)
	assert.False(t, got.DecidedAt.IsZero())
}

type captureSink struct {
	decisions []Decision
	err       error
}

func (c *captureSink) RecordDecision(_ context.Context, d Decision) error {
	c.decisions = append(c.decisions, d)
	return c.err
}

func TestAuditSinkReceivesDecisions(t *testing.T) {
	sink := &captureSink{}
	audit := NewAuditLog(8, sink, nil)
	p := NewPipeline(time.Second, audit, nil)
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictAllow}}
	p.RegisterInspector(a)

	p.Inspect(context.Background(), testEnvelope(t), []string{"a"})
	require.Len(t, sink.decisions, 1)
	assert.Equal(t, VerdictAllow, sink.decisions[0].Verdict)
}

func TestAuditSinkFailureDoesNotChangeVerdict(t *testing.T) {
	sink := &captureSink{err: errors.New("stream down")}
	audit := NewAuditLog(8, sink, nil)
	p := NewPipeline(time.Second, audit, nil)
	a := &fakeInspector{id: "a", result: Result{Verdict: VerdictAllow}}
	p.RegisterInspector(a)

	d := p.Inspect(context.Background(), testEnvelope(t), []string{"a"})
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestAuditLogEviction(t *testing.T) {
	audit := NewAuditLog(2, nil, nil)
	for i, id := range []string{"e1", "e2", "e3"} {
		audit.Record(context.Background(), Decision{
			EnvelopeID: id,
			Verdict:    VerdictAllow,
			DecidedAt:  time.Unix(int64(i), 0),
		})
	}

	_, ok := audit.Lookup("e1")
	assert.False(t, ok, "oldest decision evicted silently")
	_, ok = audit.Lookup("e3")
	assert.True(t, ok)
	assert.Len(t, audit.Recent(0), 2)
}
