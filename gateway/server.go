package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/novelbytelabs/arqonbus/circuit"
	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/operator"
	"github.com/novelbytelabs/arqonbus/router"
	"github.com/novelbytelabs/arqonbus/telemetry"
	"github.com/novelbytelabs/arqonbus/topictable"
)

// busOrigin is the from field on envelopes the bus itself emits.
const busOrigin = "arqonbus"

// controlTopic is where unsolicited error responses land for a tenant.
func controlTopic(tenant string) envelope.Topic {
	return envelope.Topic(tenant + ".system.control")
}

// Config bounds the gateway's admission surface.
type Config struct {
	Addr string
	Path string

	JWTSecret string
	JWTIssuer string

	RatePerSec    float64
	Burst         int
	MaxViolations int

	MaxFrameBytes int64
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

// DefaultConfig returns the standard gateway bounds.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8380",
		Path:          "/ws",
		RatePerSec:    100,
		Burst:         200,
		MaxViolations: 5,
		MaxFrameBytes: 1 << 20,
		WriteTimeout:  10 * time.Second,
		PingInterval:  30 * time.Second,
	}
}

// Server is the WebSocket admission gateway.
type Server struct {
	cfg       Config
	auth      *Authenticator
	validator *Validator
	upgrader  websocket.Upgrader

	router    *router.Router
	table     *topictable.Table
	operators *operator.Registry
	circuits  *circuit.Engine
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	httpServer  *http.Server
	sessions    map[*session]struct{}
	sessionsMu  sync.Mutex
	shutdown    chan struct{}
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	started     bool
}

// NewServer wires the gateway over the bus core.
func NewServer(cfg Config, rt *router.Router, table *topictable.Table, operators *operator.Registry, circuits *circuit.Engine, metrics *telemetry.Metrics, logger *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Server", "NewServer",
			"jwt secret is required")
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultConfig().RatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultConfig().MaxViolations
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultConfig().MaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:       cfg,
		auth:      NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		validator: NewValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		router:    rt,
		table:     table,
		operators: operators,
		circuits:  circuits,
		metrics:   metrics,
		logger:    logger,
		sessions:  make(map[*session]struct{}),
		shutdown:  make(chan struct{}),
	}, nil
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.WrapInvalid(fmt.Errorf("already started"), "Server", "Start", "start gateway")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		s.handleWebSocket(ctx, w, r)
	})

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gateway listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway listener failed", "error", err)
		}
	}()

	s.started = true
	return nil
}

// Stop drains the gateway: the listener closes first, then every live
// session is torn down.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started {
		return nil
	}
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.sessionsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Stop", "drain sessions")
	}

	s.started = false
	return nil
}

func (s *Server) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	claims, err := s.auth.FromRequest(r)
	if err != nil {
		s.metrics.RecordError(errors.Code(err))
		s.logger.Warn("connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.metrics.ConnOpened()
	s.metrics.ClientConnected()

	sess := newSession(s, conn, claims)
	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()

	s.logger.Info("client connected",
		"client", claims.Subject,
		"tenant", claims.TenantID,
		"remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.sessionsMu.Lock()
			delete(s.sessions, sess)
			s.sessionsMu.Unlock()
			s.metrics.ClientDisconnected()
			s.metrics.ConnClosed()
			s.logger.Info("client disconnected", "client", claims.Subject)
		}()
		sess.run(ctx)
	}()
}

func (s *Server) refreshCounts() {
	rooms, channels := s.table.Counts()
	s.metrics.SetNamespaceCounts(rooms, channels)
}
