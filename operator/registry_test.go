package operator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/novelbytelabs/arqonbus/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(DefaultHeartbeatPolicy(), nil)
}

func descriptor(id string, tier string, caps ...string) Descriptor {
	return Descriptor{
		OperatorID:   id,
		TenantID:     "acme",
		OperatorType: "test-operator",
		OperatorTier: tier,
		Capabilities: caps,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Register(descriptor("op-1", "2", "publish:acme.>", "subscribe:acme.>"))
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)

	op, ok := r.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, Tier2, op.Tier)
	assert.Equal(t, HealthHealthy, op.Health)
	assert.Equal(t, DefaultQuotas(Tier2), op.Quotas)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(Descriptor{TenantID: "acme", OperatorTier: "1"})
	require.Error(t, err, "missing operator_id")

	_, err = r.Register(Descriptor{OperatorID: "x", OperatorTier: "1"})
	require.Error(t, err, "missing tenant_id")

	_, err = r.Register(descriptor("x", "9"))
	require.Error(t, err, "bad tier")

	_, err = r.Register(descriptor("x", "1", "publish"))
	require.Error(t, err, "capability without pattern")
}

func TestRegisterParsesOmegaSymbol(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(descriptor("op-omega", "Ω", "publish:acme.>"))
	require.NoError(t, err)

	op, _ := r.Get("op-omega")
	assert.Equal(t, TierOmega, op.Tier)
}

func TestOmegaQuotasClamped(t *testing.T) {
	r := newTestRegistry(t)
	desc := descriptor("op-omega", "omega", "publish:acme.>")
	desc.Quotas = &Quotas{RatePerSec: 100000, Burst: 100000, MaxConcurrency: 1000, MaxQueueDepth: 100000}

	_, err := r.Register(desc)
	require.NoError(t, err)

	op, _ := r.Get("op-omega")
	assert.Equal(t, omegaCeiling, op.Quotas, "omega quotas are mandatory and capped")
}

func TestIdempotentReregistrationReplacesCapabilities(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(descriptor("op-1", "1", "publish:acme.old"))
	require.NoError(t, err)
	require.NoError(t, r.CheckPublish("op-1", "acme.old", false))

	// Re-register with a different capability set.
	_, err = r.Register(descriptor("op-1", "1", "publish:acme.new"))
	require.NoError(t, err)

	// The old grant is gone and the new one is live - one atomic swap.
	err = r.CheckPublish("op-1", "acme.old", false)
	require.ErrorIs(t, err, cerrors.ErrCapabilityDenied)
	require.NoError(t, r.CheckPublish("op-1", "acme.new", false))
	assert.Equal(t, 1, r.Count())
}

func TestCheckPublishCapability(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(descriptor("op-1", "1", "publish:science.>"))
	require.NoError(t, err)

	require.NoError(t, r.CheckPublish("op-1", "science.explore", false))

	err = r.CheckPublish("op-1", "acme.data", false)
	require.ErrorIs(t, err, cerrors.ErrCapabilityDenied)

	err = r.CheckPublish("ghost", "science.explore", false)
	require.ErrorIs(t, err, cerrors.ErrOperatorNotFound)
}

func TestRevokeTakesEffectOnNextMessage(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(descriptor("op-1", "1", "publish:science.>"))
	require.NoError(t, err)

	require.NoError(t, r.CheckPublish("op-1", "science.explore", false))
	require.NoError(t, r.Revoke("op-1", ActionPublish, "science.>"))

	err = r.CheckPublish("op-1", "science.explore", false)
	require.ErrorIs(t, err, cerrors.ErrCapabilityDenied,
		"revocation must bind on the very next publish")
}

func TestOmegaProductionExclusion(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(descriptor("op-omega", "omega", "publish:prod.>", "subscribe:prod.>"))
	require.NoError(t, err)

	// Scenario D: omega without override is rejected from production.
	err = r.CheckSubscribe("op-omega", "prod.jobs", true)
	require.ErrorIs(t, err, cerrors.ErrCapabilityDenied)
	err = r.CheckPublish("op-omega", "prod.jobs", true)
	require.ErrorIs(t, err, cerrors.ErrCapabilityDenied)

	// Non-production topics are fine.
	require.NoError(t, r.CheckSubscribe("op-omega", "prod.jobs", false))

	// With the governance override the same checks pass.
	_, err = r.Register(descriptor("op-omega2", "omega",
		"publish:prod.>", "subscribe:prod.>", "production_override"))
	require.NoError(t, err)
	require.NoError(t, r.CheckSubscribe("op-omega2", "prod.jobs", true))
	require.NoError(t, r.CheckPublish("op-omega2", "prod.jobs", true))
}

func TestPublishQuota(t *testing.T) {
	r := newTestRegistry(t)
	desc := descriptor("op-1", "1", "publish:acme.>")
	desc.Quotas = &Quotas{RatePerSec: 1, Burst: 2, MaxConcurrency: 1, MaxQueueDepth: 1}
	_, err := r.Register(desc)
	require.NoError(t, err)

	// Burst of 2 allows two immediate publishes, then the bucket is dry.
	require.NoError(t, r.CheckPublish("op-1", "acme.data", false))
	require.NoError(t, r.CheckPublish("op-1", "acme.data", false))
	err = r.CheckPublish("op-1", "acme.data", false)
	require.ErrorIs(t, err, cerrors.ErrQuotaExceeded)
	assert.True(t, cerrors.IsTransient(err))
}

func TestHeartbeatTransitions(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, err := r.Register(descriptor("op-1", "1", "publish:acme.>"))
	require.NoError(t, err)

	// Fresh operator is healthy.
	r.SweepNow()
	op, _ := r.Get("op-1")
	assert.Equal(t, HealthHealthy, op.Health)
	assert.False(t, r.IsUnreachable("op-1"))

	// Two missed beats: degraded.
	now = now.Add(11 * time.Second)
	r.SweepNow()
	op, _ = r.Get("op-1")
	assert.Equal(t, HealthDegraded, op.Health)
	assert.False(t, r.IsUnreachable("op-1"))

	// Three missed beats: unreachable.
	now = now.Add(5 * time.Second)
	r.SweepNow()
	op, _ = r.Get("op-1")
	assert.Equal(t, HealthUnreachable, op.Health)
	assert.True(t, r.IsUnreachable("op-1"))

	// A heartbeat restores health.
	require.NoError(t, r.Heartbeat("op-1"))
	op, _ = r.Get("op-1")
	assert.Equal(t, HealthHealthy, op.Health)

	require.ErrorIs(t, r.Heartbeat("ghost"), cerrors.ErrOperatorNotFound)
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(descriptor("op-1", "1", "publish:acme.>"))
	require.NoError(t, err)

	assert.True(t, r.Deregister("op-1"))
	assert.False(t, r.Deregister("op-1"))
	assert.True(t, r.IsUnreachable("op-1"), "unknown operators are non-destinations")
}

func TestCanCreateTopic(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(descriptor("op-1", "1", "create_topic:acme.>", "publish:acme.>"))
	require.NoError(t, err)

	assert.True(t, r.CanCreateTopic("op-1", "acme.fresh.jobs"))
	assert.False(t, r.CanCreateTopic("op-1", "other.fresh.jobs"))
	assert.False(t, r.CanCreateTopic("ghost", "acme.fresh.jobs"))
}
