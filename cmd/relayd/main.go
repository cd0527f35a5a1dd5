// Command relayd runs the agent relay server: a durable message log,
// task ledger, and agent directory behind a JSON-RPC tool surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentrelay/internal/audit"
	"github.com/basket/agentrelay/internal/bus"
	"github.com/basket/agentrelay/internal/config"
	"github.com/basket/agentrelay/internal/dispatch"
	"github.com/basket/agentrelay/internal/gateway"
	"github.com/basket/agentrelay/internal/maintenance"
	otelPkg "github.com/basket/agentrelay/internal/otel"
	"github.com/basket/agentrelay/internal/persistence"
	"github.com/basket/agentrelay/internal/session"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: relayd [flags]\n\nRuns the agent relay server.\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	home := flag.String("home", "", "data directory (default ~/.agentrelay, or RELAY_HOME)")
	bindAddr := flag.String("bind", "", "listen address (overrides config)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	// Audit first so logger failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.LogLevel))
	logger := newLogger(levelVar)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; all requests will be accepted", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    exporterName(cfg.OTel.Exporter),
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()
	hub := session.NewHub()

	dispatcher, err := dispatch.New(ctx, store, eventBus,
		dispatch.WithPresence(hub),
		dispatch.WithLogger(logger),
		dispatch.WithTracer(otelProvider.Tracer),
		dispatch.WithMetrics(metrics),
	)
	if err != nil {
		fatalStartup(logger, "E_DISPATCH_INIT", err)
	}

	// Session fan-out rides the bus: message events wake the recipient's
	// live channels.
	go hub.Forward(ctx, eventBus)
	go consumeEvents(ctx, eventBus, logger)

	gw := gateway.New(gateway.Config{
		Store:        store,
		Dispatcher:   dispatcher,
		Hub:          hub,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "rpc", "/rpc", "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sched, err := maintenance.NewScheduler(maintenance.Config{
		Store:              store,
		Bus:                eventBus,
		Logger:             logger,
		CheckpointSchedule: cfg.Maintenance.CheckpointSchedule,
		LivenessWindow:     time.Duration(cfg.Maintenance.LivenessWindowMinutes) * time.Minute,
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	sched.Start()
	defer sched.Stop()

	// Hot-reload log level and auth token on config file changes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				levelVar.Set(parseLevel(fresh.LogLevel))
				gw.SetAuthToken(fresh.AuthToken)
				logger.Info("config reloaded", "log_level", fresh.LogLevel)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// consumeEvents surfaces engine events in the operational log: new
// registrations, task starts, and the periodic directory snapshot.
func consumeEvents(ctx context.Context, eventBus *bus.Bus, logger *slog.Logger) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.AgentRegisteredEvent:
				logger.Info("agent registered", "agent", p.Name)
			case bus.TaskStartedEvent:
				logger.Info("task started", "task_id", p.TaskID, "title", p.Title)
			case bus.LivenessEvent:
				logger.Debug("directory liveness", "total", p.TotalAgents, "recent", p.RecentAgents)
			}
		}
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exporterName maps the config exporter names onto the provider's.
func exporterName(s string) string {
	if s == "otlp" {
		return "otlp-http"
	}
	return s
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failed", "reason", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "relayd: startup failed (%s): %v\n", reasonCode, err)
	}
	os.Exit(1)
}
