package inspect

import (
	"context"
	"log/slog"
	"sync"

	"github.com/novelbytelabs/arqonbus/pkg/queue"
)

// DecisionSink receives decisions for durable retention. The export
// bridge implements this against a JetStream stream.
type DecisionSink interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// AuditLog is the append-only decision log. Decisions are held in a
// bounded in-memory ring for operational lookup and forwarded to the
// configured sink for durable audit. Records are never mutated.
type AuditLog struct {
	ring   *queue.Ring[Decision]
	sink   DecisionSink
	logger *slog.Logger

	mu    sync.RWMutex
	byEnv map[string]Decision
}

// NewAuditLog creates an audit log retaining up to size recent decisions
// in memory. sink may be nil.
func NewAuditLog(size int, sink DecisionSink, logger *slog.Logger) *AuditLog {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AuditLog{
		sink:   sink,
		logger: logger,
		byEnv:  make(map[string]Decision),
	}
	a.ring = queue.NewRing(size,
		queue.WithPolicy[Decision](queue.DropOldest),
		queue.WithDropCallback(func(old Decision) {
			a.mu.Lock()
			// Only drop the index entry if it still points at the
			// evicted record.
			if cur, ok := a.byEnv[old.EnvelopeID]; ok && cur.DecidedAt.Equal(old.DecidedAt) {
				delete(a.byEnv, old.EnvelopeID)
			}
			a.mu.Unlock()
		}))
	return a
}

// Record appends a decision. It must complete before delivery proceeds;
// a sink failure is logged but does not change the verdict.
func (a *AuditLog) Record(ctx context.Context, d Decision) {
	a.mu.Lock()
	a.byEnv[d.EnvelopeID] = d
	a.mu.Unlock()
	_ = a.ring.Push(d)

	if a.sink != nil {
		if err := a.sink.RecordDecision(ctx, d); err != nil {
			a.logger.Error("audit sink write failed",
				"envelope", d.EnvelopeID,
				"verdict", string(d.Verdict),
				"error", err)
		}
	}
}

// Lookup returns the decision for an envelope, if still retained.
func (a *AuditLog) Lookup(envelopeID string) (Decision, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.byEnv[envelopeID]
	return d, ok
}

// Recent returns up to limit recent decisions, oldest first.
func (a *AuditLog) Recent(limit int) []Decision {
	all := a.ring.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}
