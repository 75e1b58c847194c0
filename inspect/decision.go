package inspect

import (
	"time"
)

// Verdict is the outcome of inspecting one envelope.
type Verdict string

const (
	// VerdictAllow lets the envelope proceed unchanged.
	VerdictAllow Verdict = "allow"
	// VerdictRelabel rewrites the envelope's content label and proceeds.
	VerdictRelabel Verdict = "relabel"
	// VerdictQuarantine redirects the envelope to the quarantine topic
	// instead of its subscriber set.
	VerdictQuarantine Verdict = "quarantine"
)

// restrictiveness orders verdicts; ties resolve toward restriction.
func restrictiveness(v Verdict) int {
	switch v {
	case VerdictQuarantine:
		return 2
	case VerdictRelabel:
		return 1
	default:
		return 0
	}
}

// MoreRestrictive returns the stricter of two verdicts.
func MoreRestrictive(a, b Verdict) Verdict {
	if restrictiveness(b) > restrictiveness(a) {
		return b
	}
	return a
}

// Reason codes recorded when the pipeline itself decides, as opposed to
// a rule fired by an inspector.
const (
	ReasonTimeout          = "pipeline.inspector_timeout"
	ReasonInspectorError   = "pipeline.inspector_error"
	ReasonInspectorMissing = "pipeline.inspector_missing"
)

// Decision is the immutable per-envelope inspection record, retained for
// audit.
type Decision struct {
	EnvelopeID  string        `json:"envelope_id"`
	Topic       string        `json:"topic"`
	Verdict     Verdict       `json:"verdict"`
	Reasons     []string      `json:"reasons,omitempty"` // rule IDs and pipeline reason codes
	InspectorID string        `json:"inspector_id"`      // inspector whose verdict prevailed
	Label       string        `json:"label,omitempty"`   // replacement label for relabel
	Latency     time.Duration `json:"-"`
	LatencyMS   int64         `json:"latency_ms"`
	DecidedAt   time.Time     `json:"decided_at"`
}
