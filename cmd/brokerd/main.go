// Command brokerd runs the task broker daemon: Task Store, Worker Hub,
// Dispatcher, Event Bus, Stream Endpoint, optional Federation Client and
// Doc Generation Scheduler, and the Admission/Enqueue HTTP surface, all
// wired together the way cmd/goclaw's main wires the agent runtime's
// store/gateway/registry, trimmed to a single always-daemon process (no
// interactive TUI, no subcommands beyond -version).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/brokerd/internal/admission"
	"github.com/basket/brokerd/internal/api"
	"github.com/basket/brokerd/internal/audit"
	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/config"
	"github.com/basket/brokerd/internal/dispatcher"
	"github.com/basket/brokerd/internal/docgen"
	"github.com/basket/brokerd/internal/federation"
	"github.com/basket/brokerd/internal/hub"
	otelPkg "github.com/basket/brokerd/internal/otel"
	"github.com/basket/brokerd/internal/store"
	"github.com/basket/brokerd/internal/streamserver"
	"github.com/basket/brokerd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "[%s] %v\n", code, err)
	}
	os.Exit(1)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger, so an E_LOGGER_INIT failure is itself
	// auditable; audit.Init only needs homeDir.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	eventBus := bus.New(bus.WithLogger(logger), bus.WithInboxSize(cfg.EventBusInbox))

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	taskStore, err := store.Open(ctx, dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer taskStore.Close()
	audit.SetDB(taskStore.DB())
	logger.Info("startup phase", "phase", "schema_ready")

	retryTable := cfg.BuildRetryTable()

	disp := dispatcher.New(taskStore, eventBus, retryTable, dispatcher.Config{
		WorkerCount:        cfg.PerWorkerConcurrency,
		ReaperInterval:     cfg.ReaperIntervalDuration(),
		StaleAssignedAfter: cfg.StaleAssignedDuration(),
		Logger:             logger,
		Tracer:             otelProvider.Tracer,
		Metrics:            metrics,
	})

	workerHub := hub.New(hub.Config{
		AuthToken:         cfg.WorkerAuthToken,
		HeartbeatInterval: cfg.HeartbeatIntervalDuration(),
		PerWorkerLimit:    cfg.PerWorkerConcurrency,
		Logger:            logger,
		Bus:               eventBus,
		Handlers:          disp.Handlers(),
	})
	disp.AttachHub(workerHub)
	disp.Start(ctx)
	logger.Info("startup phase", "phase", "dispatcher_started", "workers", cfg.PerWorkerConcurrency)

	streamSrv := streamserver.New(streamserver.Config{
		Bus:          eventBus,
		Logger:       logger,
		WriteTimeout: cfg.StreamWriteTimeoutDuration(),
	})

	probe := admission.New(admission.Config{
		Store:      taskStore,
		Hub:        workerHub,
		Dispatcher: disp,
	})

	enqueueAPI := api.New(api.Config{
		Store:     taskStore,
		AuthToken: cfg.WorkerAuthToken,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
	})

	// The scheduler itself is a no-op until AddSchedule registers a
	// cron-driven doc-gen job, so constructing and starting it
	// unconditionally is safe — matches the teacher's own
	// cron.NewScheduler-always-runs shape.
	docScheduler := docgen.NewScheduler(docgen.Config{
		Store:  taskStore,
		Bus:    eventBus,
		Logger: logger,
	})
	docScheduler.Start(ctx)
	defer docScheduler.Stop()

	var federationClient *federation.Client
	if cfg.Federation.UpstreamURL != "" {
		federationClient = federation.New(federation.Config{
			UpstreamURL: cfg.Federation.UpstreamURL,
			AuthToken:   cfg.Federation.AuthToken,
			LocalStore:  taskStore,
			LocalBus:    eventBus,
			LocalHub:    workerHub,
			RetryTable:  retryTable,
			Logger:      logger,
		})
		federationClient.Start(ctx)
		logger.Info("startup phase", "phase", "federation_connecting", "upstream", cfg.Federation.UpstreamURL)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", workerHub)
	mux.Handle("/stream", streamSrv)
	mux.HandleFunc("/healthz", probe.ServeHealthz)
	mux.HandleFunc("/metrics", probe.ServeMetrics)
	mux.HandleFunc("/metrics/prometheus", probe.ServePrometheusMetrics)
	apiHandler := enqueueAPI.Handler()
	mux.Handle("/v1/tasks", apiHandler)
	mux.Handle("/v1/tasks/", apiHandler)

	bindAddr := net.JoinHostPort(cfg.BindHost, fmt.Sprintf("%d", cfg.BindPort))
	server := &http.Server{
		Addr:    bindAddr,
		Handler: mux,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("broker listening", "addr", bindAddr, "worker_ws", "/ws", "stream", "/stream")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "config.yaml" {
					continue
				}
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed; retaining previous config", "error", err)
					continue
				}
				// Only the retry table is safe to swap on a live broker
				// without restarting the process that holds it (spec
				// §1.1): Hub and API already captured their own copies
				// of bind/auth/worker-limit settings at construction,
				// so those still require a restart to take effect.
				retryTable.ReplaceAll(newCfg.BuildRetryTable())
				logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("broker server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := 5 * time.Second
	disp.Drain(drainTimeout)
	workerHub.BroadcastShutdown("broker shutting down")
	if federationClient != nil {
		federationClient.Drain(drainTimeout)
	}
	logger.Info("shutdown complete")
}
