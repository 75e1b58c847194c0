package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novelbytelabs/arqonbus/errors"
)

// BuildInfo identifies the running binary on the /version endpoint.
// Populated from ldflags in main.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Protocol  string `json:"protocol"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// StatusFunc reports the aggregate health state served on /health.
type StatusFunc func() string

// Server serves /metrics, /health, and /version on its own listener so
// scrapes and probes never contend with the message plane.
type Server struct {
	addr    string
	metrics *Metrics
	build   BuildInfo
	status  StatusFunc
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates the telemetry sidecar server.
func NewServer(addr string, metrics *Metrics, build BuildInfo, status StatusFunc, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}
	if status == nil {
		status = func() string { return "healthy" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		metrics: metrics,
		build:   build,
		status:  status,
		logger:  logger,
	}
}

// Start begins serving. It returns once the listener goroutine is
// launched; bind errors surface through the logger.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "start telemetry server")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("telemetry server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("telemetry server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, letting in-flight scrapes finish.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown telemetry server")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.status()
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": s.metrics.Uptime(),
		"version":        s.build.Version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     s.build.Name,
		"version":  s.build.Version,
		"protocol": s.build.Protocol,
		"build": map[string]string{
			"git_commit": s.build.GitCommit,
			"build_date": s.build.BuildDate,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
