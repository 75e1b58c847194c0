// Package main implements the entry point for the ArqonBus server.
// ArqonBus is a real-time message bus: WebSocket clients and registered
// operators exchange envelopes over hierarchical topics under
// capability checks, inline content inspection, and declarative circuit
// forwarding.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/novelbytelabs/arqonbus/circuit"
	"github.com/novelbytelabs/arqonbus/config"
	"github.com/novelbytelabs/arqonbus/export"
	"github.com/novelbytelabs/arqonbus/gateway"
	"github.com/novelbytelabs/arqonbus/health"
	"github.com/novelbytelabs/arqonbus/inspect"
	"github.com/novelbytelabs/arqonbus/operator"
	"github.com/novelbytelabs/arqonbus/router"
	"github.com/novelbytelabs/arqonbus/telemetry"
	"github.com/novelbytelabs/arqonbus/topictable"
)

const (
	appName  = "arqonbus"
	protocol = "arqonbus/1"
)

// Populated via -ldflags at release build time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("arqonbus failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cli.ShowVersion {
		fmt.Printf("%s version %s (%s, built %s)\n", appName, Version, GitCommit, BuildDate)
		return nil
	}
	if cli.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(effectiveLogSetting(cli.LogLevel, cfg.Logging.Level),
		effectiveLogSetting(cli.LogFormat, cfg.Logging.Format))
	slog.SetDefault(logger)

	if cli.Validate {
		slog.Info("configuration is valid", "config_path", cli.ConfigPath)
		return nil
	}

	slog.Info("starting arqonbus",
		"version", Version,
		"git_commit", GitCommit,
		"config_path", cli.ConfigPath)

	return runBus(cfg, logger, cli.ShutdownTimeout)
}

// effectiveLogSetting prefers the CLI flag over the config file value.
func effectiveLogSetting(flagVal, cfgVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return cfgVal
}

// runBus wires the core, starts everything in dependency order, and
// blocks until a shutdown signal arrives.
func runBus(cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := telemetry.NewMetrics()
	monitor := health.NewMonitor()

	table := topictable.New(topictable.Config{
		Shards:            cfg.Topics.Shards,
		HistorySize:       cfg.Topics.HistorySize,
		DefaultQueueDepth: cfg.Topics.DefaultQueueDepth,
	}, logger)

	registry := operator.NewRegistry(operator.HeartbeatPolicy{
		Interval:        cfg.Heartbeat.Interval.Std(),
		MissedThreshold: cfg.Heartbeat.MissedThreshold,
		SweepInterval:   cfg.Heartbeat.SweepInterval.Std(),
	}, logger)

	// Export bridge is optional. When enabled it mirrors exportable
	// traffic and receives inspection decisions for the audit stream.
	var bridge *export.Bridge
	var sink inspect.DecisionSink
	if cfg.Export.Enabled {
		bridge = export.New(cfg.Export.URL,
			export.WithSubjectPrefix(cfg.Export.SubjectPrefix),
			export.WithAuditStream(cfg.Export.AuditStream, cfg.Export.AuditSubject),
			export.WithAuditMaxAge(cfg.Export.AuditMaxAge.Std()),
			export.WithLogger(logger))
		sink = bridge
	}

	audit := inspect.NewAuditLog(cfg.Inspection.AuditSize, sink, logger)
	pipeline := inspect.NewPipeline(cfg.Inspection.Timeout.Std(), audit, logger)

	routerOpts := []router.Option{router.WithLogger(logger)}
	if bridge != nil {
		routerOpts = append(routerOpts, router.WithMirror(bridge))
	}
	rt := router.New(table, registry, pipeline, metrics, routerOpts...)

	engine := circuit.NewEngine(table, registry,
		circuit.WithDefaultHopBudget(cfg.Circuits.DefaultHopBudget),
		circuit.WithLogger(logger))

	gw, err := gateway.NewServer(gateway.Config{
		Addr:          cfg.Gateway.Addr,
		Path:          cfg.Gateway.Path,
		JWTSecret:     cfg.Auth.JWTSecret,
		JWTIssuer:     cfg.Auth.JWTIssuer,
		RatePerSec:    cfg.Gateway.RatePerSec,
		Burst:         cfg.Gateway.Burst,
		MaxViolations: cfg.Gateway.MaxViolations,
		MaxFrameBytes: cfg.Gateway.MaxFrameBytes,
		WriteTimeout:  cfg.Gateway.WriteTimeout.Std(),
		PingInterval:  cfg.Gateway.PingInterval.Std(),
	}, rt, table, registry, engine, metrics, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	tel := telemetry.NewServer(cfg.Telemetry.Addr, metrics, telemetry.BuildInfo{
		Name:      appName,
		Version:   Version,
		Protocol:  protocol,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	}, monitor.StatusProvider(appName), logger)

	// Start in dependency order.
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start operator registry: %w", err)
	}
	monitor.UpdateHealthy("registry", "heartbeat sweep running")

	if bridge != nil {
		connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
		err := bridge.Connect(connCtx)
		connCancel()
		if err != nil {
			return fmt.Errorf("connect export bridge: %w", err)
		}
		monitor.UpdateHealthy("export", "connected")
	}

	if err := tel.Start(); err != nil {
		return fmt.Errorf("start telemetry server: %w", err)
	}
	monitor.UpdateHealthy("telemetry", "listening")

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	monitor.UpdateHealthy("gateway", "listening")

	go watchSubsystems(ctx, registry, bridge, metrics, monitor)

	slog.Info("arqonbus started",
		"gateway_addr", cfg.Gateway.Addr,
		"telemetry_addr", cfg.Telemetry.Addr,
		"export_enabled", cfg.Export.Enabled)

	<-ctx.Done()
	slog.Info("received shutdown signal")

	return shutdown(gw, registry, tel, bridge, shutdownTimeout)
}

// watchSubsystems refreshes the operator health gauges and subsystem
// statuses until shutdown.
func watchSubsystems(ctx context.Context, registry *operator.Registry, bridge *export.Bridge,
	metrics *telemetry.Metrics, monitor *health.Monitor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := map[operator.Health]int{
				operator.HealthHealthy:     0,
				operator.HealthDegraded:    0,
				operator.HealthUnreachable: 0,
			}
			for _, op := range registry.List() {
				counts[op.Health]++
			}
			for state, n := range counts {
				metrics.SetOperatorHealth(string(state), n)
			}

			if bridge != nil {
				if bridge.Connected() {
					monitor.UpdateHealthy("export", "connected")
				} else {
					monitor.UpdateDegraded("export", "reconnecting")
				}
			}
		}
	}
}

// shutdown stops components in reverse start order: the gateway first
// so sessions drain before the registry and bridge go away.
func shutdown(gw *gateway.Server, registry *operator.Registry, tel *telemetry.Server,
	bridge *export.Bridge, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		d := time.Until(deadline)
		if d < time.Second {
			return time.Second
		}
		return d
	}

	var firstErr error
	if err := gw.Stop(remaining()); err != nil {
		slog.Error("gateway stop failed", "error", err)
		firstErr = err
	}
	if err := registry.Stop(remaining()); err != nil {
		slog.Error("registry stop failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := tel.Stop(remaining()); err != nil {
		slog.Error("telemetry stop failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if bridge != nil {
		if err := bridge.Stop(remaining()); err != nil {
			slog.Error("export bridge stop failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", firstErr)
	}
	slog.Info("arqonbus shutdown complete")
	return nil
}
