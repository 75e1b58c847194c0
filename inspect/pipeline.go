package inspect

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/novelbytelabs/arqonbus/envelope"
)

// Result is one inspector's judgment of one envelope.
type Result struct {
	Verdict Verdict
	Label   string   // replacement label when Verdict is relabel
	Reasons []string // rule IDs that fired
}

// Inspector is the interface an inspection operator presents to the
// pipeline. Implementations are bounded request/response calls to
// external operators; their internals are out of scope for the core.
type Inspector interface {
	ID() string
	Inspect(ctx context.Context, env *envelope.Envelope) (Result, error)
}

// Pipeline runs a topic's declared inspector chain in order.
type Pipeline struct {
	timeout time.Duration
	audit   *AuditLog
	logger  *slog.Logger

	mu         sync.RWMutex
	inspectors map[string]Inspector
}

// NewPipeline creates an inspection pipeline. timeout bounds each
// individual inspector call.
func NewPipeline(timeout time.Duration, audit *AuditLog, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		timeout:    timeout,
		audit:      audit,
		logger:     logger,
		inspectors: make(map[string]Inspector),
	}
}

// RegisterInspector attaches a connected inspector operator.
func (p *Pipeline) RegisterInspector(ins Inspector) {
	p.mu.Lock()
	p.inspectors[ins.ID()] = ins
	p.mu.Unlock()
}

// DeregisterInspector detaches an inspector. Subsequent chain runs that
// reference it fail closed.
func (p *Pipeline) DeregisterInspector(id string) {
	p.mu.Lock()
	delete(p.inspectors, id)
	p.mu.Unlock()
}

func (p *Pipeline) inspector(id string) (Inspector, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ins, ok := p.inspectors[id]
	return ins, ok
}

// Audit returns the pipeline's audit log.
func (p *Pipeline) Audit() *AuditLog {
	return p.audit
}

// Inspect runs the chain in declared order and returns the combined
// decision. The first quarantine short-circuits the rest of the chain;
// otherwise the most restrictive verdict wins. Timeouts, inspector
// errors, and missing inspectors all convert to quarantine - never to
// allow. The decision is recorded in the audit log before returning.
func (p *Pipeline) Inspect(ctx context.Context, env *envelope.Envelope, chain []string) Decision {
	start := time.Now()

	decision := Decision{
		EnvelopeID: env.ID(),
		Topic:      env.Topic().String(),
		Verdict:    VerdictAllow,
	}

	current := env
	for _, id := range chain {
		ins, ok := p.inspector(id)
		if !ok {
			decision.Verdict = VerdictQuarantine
			decision.InspectorID = id
			decision.Reasons = append(decision.Reasons, ReasonInspectorMissing)
			break
		}

		result, err := p.callBounded(ctx, ins, current)
		if err != nil {
			decision.Verdict = VerdictQuarantine
			decision.InspectorID = id
			if stderrors.Is(err, context.DeadlineExceeded) {
				decision.Reasons = append(decision.Reasons, ReasonTimeout)
			} else {
				decision.Reasons = append(decision.Reasons, ReasonInspectorError)
			}
			p.logger.Warn("inspector failed, quarantining",
				"inspector", id,
				"envelope", env.ID(),
				"error", err)
			break
		}

		decision.Reasons = append(decision.Reasons, result.Reasons...)
		if restrictiveness(result.Verdict) >= restrictiveness(decision.Verdict) {
			decision.InspectorID = id
		}
		decision.Verdict = MoreRestrictive(decision.Verdict, result.Verdict)

		if result.Verdict == VerdictQuarantine {
			break
		}
		if result.Verdict == VerdictRelabel {
			decision.Label = result.Label
			// Later inspectors in the chain see the rewritten label.
			current = current.Relabeled(result.Label)
		}
	}

	decision.Latency = time.Since(start)
	decision.LatencyMS = decision.Latency.Milliseconds()
	decision.DecidedAt = time.Now()

	if p.audit != nil {
		p.audit.Record(ctx, decision)
	}
	return decision
}

// callBounded invokes one inspector under the pipeline timeout. The
// deadline converts the call into an error result; the caller maps any
// error to quarantine.
func (p *Pipeline) callBounded(ctx context.Context, ins Inspector, env *envelope.Envelope) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := ins.Inspect(callCtx, env)
		ch <- outcome{result: r, err: err}
	}()

	select {
	case <-callCtx.Done():
		return Result{}, context.DeadlineExceeded
	case out := <-ch:
		return out.result, out.err
	}
}
