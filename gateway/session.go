package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/topictable"
)

// session is one authenticated WebSocket connection.
type session struct {
	server   *Server
	conn     *websocket.Conn
	clientID string
	tenantID string
	limiter  *rate.Limiter

	send chan []byte
	done chan struct{}

	pumpsMu sync.Mutex
	pumps   map[envelope.Topic]context.CancelFunc

	violations int

	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn, claims *Claims) *session {
	return &session{
		server:   server,
		conn:     conn,
		clientID: claims.Subject,
		tenantID: claims.TenantID,
		limiter:  rate.NewLimiter(rate.Limit(server.cfg.RatePerSec), server.cfg.Burst),
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		pumps:    make(map[envelope.Topic]context.CancelFunc),
	}
}

// run services the connection until it closes. Blocks for the
// connection's lifetime.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(ctx)
	s.readLoop(ctx)
	s.close()
}

// close tears the session down: pumps stop, non-durable subscriptions
// are removed, durable operator subscriptions keep queueing.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pumpsMu.Lock()
		for _, cancel := range s.pumps {
			cancel()
		}
		s.pumps = make(map[envelope.Topic]context.CancelFunc)
		s.pumpsMu.Unlock()

		s.server.table.UnsubscribeAll(s.clientID)
		_ = s.conn.Close()
	})
}

func (s *session) readLoop(ctx context.Context) {
	cfg := s.server.cfg
	s.conn.SetReadLimit(cfg.MaxFrameBytes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		if !s.limiter.Allow() {
			s.server.metrics.RecordError(errors.Code(errors.ErrRateLimited))
			if s.strike() {
				s.server.logger.Warn("closing connection after repeated rate violations",
					"client", s.clientID)
				return
			}
			s.respondError("", errors.WrapInvalid(errors.ErrRateLimited,
				"Session", "readLoop", "publish rate exceeded"))
			continue
		}

		s.handleFrame(ctx, raw)
	}
}

// handleFrame validates, decodes, and dispatches one inbound frame.
func (s *session) handleFrame(ctx context.Context, raw []byte) {
	if err := s.server.validator.Validate(raw); err != nil {
		s.server.metrics.RecordError(errors.Code(err))
		if s.strike() {
			s.server.logger.Warn("closing connection after repeated malformed frames",
				"client", s.clientID)
			s.close()
			return
		}
		s.respondError("", err)
		return
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		s.server.metrics.RecordError(errors.Code(err))
		s.respondError("", err)
		return
	}

	// The wire identity must be the authenticated one; no spoofed
	// origins past the boundary.
	if env.Origin() != s.clientID {
		s.server.metrics.RecordError(errors.Code(errors.ErrAuthFailed))
		s.respondError(env.ID(), errors.WrapInvalid(errors.ErrAuthFailed,
			"Session", "handleFrame", "envelope from does not match authenticated client"))
		return
	}

	if env.Kind() == envelope.KindCommand {
		var cmd Command
		if err := json.Unmarshal(env.Payload(), &cmd); err != nil {
			s.respondError(env.ID(), errors.WrapInvalid(errors.ErrMalformedEnvelope,
				"Session", "handleFrame", "command payload does not decode"))
			return
		}
		if cmd.Scope == "" || cmd.Scope == ScopeBus {
			resp := s.handleCommand(ctx, cmd)
			s.respond(env, resp)
			return
		}
		// App-scope commands route to operators like any envelope.
	}

	if !s.tenantAllowed(env.Topic()) {
		s.server.metrics.RecordError(errors.Code(errors.ErrCapabilityDenied))
		s.respondError(env.ID(), errors.WrapInvalid(errors.ErrCapabilityDenied,
			"Session", "handleFrame", "topic "+env.Topic().String()+" outside tenant "+s.tenantID))
		return
	}

	if err := s.server.router.Route(ctx, env); err != nil {
		s.respondError(env.ID(), err)
		return
	}
}

// respond sends a command_response correlated to the inbound envelope.
func (s *session) respond(env *envelope.Envelope, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	reply, err := envelope.New(envelope.KindCommandResponse, env.Topic(), busOrigin, payload,
		envelope.WithCorrelation(env.ID()))
	if err != nil {
		return
	}
	s.enqueue(reply)
}

// respondError sends a structured error on the session's control topic.
func (s *session) respondError(correlationID string, err error) {
	resp := Response{
		Status: "error",
		Code:   errors.Code(err),
		Error:  err.Error(),
	}
	payload, merr := json.Marshal(resp)
	if merr != nil {
		return
	}
	opts := []envelope.Option{}
	if correlationID != "" {
		opts = append(opts, envelope.WithCorrelation(correlationID))
	}
	reply, merr := envelope.New(envelope.KindCommandResponse, controlTopic(s.tenantID), busOrigin, payload, opts...)
	if merr != nil {
		return
	}
	s.enqueue(reply)
}

func (s *session) enqueue(env *envelope.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
		// Outbound buffer full; this frame is control traffic, drop it
		// rather than block the read loop.
		s.server.metrics.RecordError("outbound_full")
	}
}

func (s *session) writeLoop(ctx context.Context) {
	ping := time.NewTicker(s.server.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// startPump drains one subscription queue into the outbound channel.
func (s *session) startPump(ctx context.Context, sub *topictable.Subscription) {
	s.pumpsMu.Lock()
	defer s.pumpsMu.Unlock()

	if cancel, ok := s.pumps[sub.Topic]; ok {
		cancel()
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	s.pumps[sub.Topic] = cancel

	go func() {
		for {
			env, err := sub.Queue.PopWait(pumpCtx)
			if err != nil {
				return
			}
			data, merr := json.Marshal(env)
			if merr != nil {
				continue
			}
			select {
			case s.send <- data:
			case <-pumpCtx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

func (s *session) stopPump(topic envelope.Topic) {
	s.pumpsMu.Lock()
	defer s.pumpsMu.Unlock()
	if cancel, ok := s.pumps[topic]; ok {
		cancel()
		delete(s.pumps, topic)
	}
}

// tenantAllowed reports whether this session may target a topic.
// Registered operators are governed by their capability patterns; plain
// clients are confined to their own tenant's namespace.
func (s *session) tenantAllowed(topic envelope.Topic) bool {
	if _, isOperator := s.server.operators.Get(s.clientID); isOperator {
		return true
	}
	return topic.Tenant() == s.tenantID
}

// strike records an admission violation; true means the connection has
// exhausted its allowance and should close.
func (s *session) strike() bool {
	s.violations++
	return s.violations > s.server.cfg.MaxViolations
}
