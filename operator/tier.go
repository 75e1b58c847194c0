package operator

import (
	"github.com/novelbytelabs/arqonbus/errors"
)

// Tier is the trust/risk classification governing default quotas and
// production eligibility.
type Tier string

const (
	// Tier1 is fully trusted first-party infrastructure.
	Tier1 Tier = "1"
	// Tier2 is vetted third-party services.
	Tier2 Tier = "2"
	// TierOmega is experimental or unvetted operators. Omega operators
	// carry mandatory conservative quotas and are excluded from
	// production topics and production circuits without an explicit
	// override capability.
	TierOmega Tier = "omega"
)

// ParseTier accepts the wire spellings "1", "2", "omega" and the symbol
// form "Ω".
func ParseTier(s string) (Tier, error) {
	switch s {
	case "1":
		return Tier1, nil
	case "2":
		return Tier2, nil
	case "omega", "Ω":
		return TierOmega, nil
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Tier", "ParseTier",
			"unknown tier "+s)
	}
}

// String returns the wire representation.
func (t Tier) String() string { return string(t) }

// Quotas bounds an operator's resource usage. For omega-tier operators
// quotas are mandatory; requested values above the omega ceiling are
// clamped at registration.
type Quotas struct {
	RatePerSec     float64 `json:"rate_per_sec"`    // publish token-bucket refill rate
	Burst          int     `json:"burst"`           // publish token-bucket burst
	MaxConcurrency int     `json:"max_concurrency"` // concurrent in-flight requests
	MaxQueueDepth  int     `json:"max_queue_depth"` // subscriber queue capacity
}

// DefaultQuotas returns the tier default quotas.
func DefaultQuotas(tier Tier) Quotas {
	switch tier {
	case Tier1:
		return Quotas{RatePerSec: 5000, Burst: 10000, MaxConcurrency: 256, MaxQueueDepth: 4096}
	case Tier2:
		return Quotas{RatePerSec: 500, Burst: 1000, MaxConcurrency: 64, MaxQueueDepth: 1024}
	default:
		return omegaCeiling
	}
}

// omegaCeiling is both the default and the hard cap for omega-tier quotas.
var omegaCeiling = Quotas{RatePerSec: 50, Burst: 100, MaxConcurrency: 8, MaxQueueDepth: 256}

// clampToTier enforces the omega ceiling; other tiers keep requested
// values, falling back to tier defaults for unset fields.
func clampToTier(tier Tier, requested Quotas) Quotas {
	defaults := DefaultQuotas(tier)
	q := requested
	if q.RatePerSec <= 0 {
		q.RatePerSec = defaults.RatePerSec
	}
	if q.Burst <= 0 {
		q.Burst = defaults.Burst
	}
	if q.MaxConcurrency <= 0 {
		q.MaxConcurrency = defaults.MaxConcurrency
	}
	if q.MaxQueueDepth <= 0 {
		q.MaxQueueDepth = defaults.MaxQueueDepth
	}

	if tier != TierOmega {
		return q
	}
	if q.RatePerSec > omegaCeiling.RatePerSec {
		q.RatePerSec = omegaCeiling.RatePerSec
	}
	if q.Burst > omegaCeiling.Burst {
		q.Burst = omegaCeiling.Burst
	}
	if q.MaxConcurrency > omegaCeiling.MaxConcurrency {
		q.MaxConcurrency = omegaCeiling.MaxConcurrency
	}
	if q.MaxQueueDepth > omegaCeiling.MaxQueueDepth {
		q.MaxQueueDepth = omegaCeiling.MaxQueueDepth
	}
	return q
}

// Health is the registry-owned reachability state of an operator.
type Health string

const (
	// HealthHealthy means heartbeats are arriving inside the window.
	HealthHealthy Health = "healthy"
	// HealthDegraded means at least one heartbeat was missed but the
	// unreachable threshold has not been crossed.
	HealthDegraded Health = "degraded"
	// HealthUnreachable means the missed-heartbeat threshold was
	// crossed; the Router treats the operator as a non-destination.
	HealthUnreachable Health = "unreachable"
)
