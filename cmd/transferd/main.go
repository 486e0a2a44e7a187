package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/transferd/internal/backend"
	"github.com/italolelis/transferd/internal/cleanup"
	"github.com/italolelis/transferd/internal/config"
	"github.com/italolelis/transferd/internal/http/rest"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/netwatch"
	"github.com/italolelis/transferd/internal/notifier"
	"github.com/italolelis/transferd/internal/session"
	"github.com/italolelis/transferd/internal/speed"
	"github.com/italolelis/transferd/internal/storage/sqlite"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("transferd starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedRecordRepository(database, tel)

	// =========================================================================
	// Start Session
	orch := session.New(session.Config{
		MaxConcurrent:       cfg.MaxConcurrent,
		Connections:         cfg.Connections,
		RetryDelay:          cfg.RetryDelay,
		MaxTransientRetries: cfg.MaxTransientRetries,
		Grace:               cfg.GraceWindow,
		TickInterval:        cfg.TickInterval,
		ResumeGuard:         cfg.ResumeGuard,
		PersistInterval:     cfg.PersistInterval,
	}, session.Services{
		Store:     store,
		Estimator: speed.NewEstimator(cfg.SpeedWindow, cfg.SpeedCeiling),
		Telemetry: tel,
	}, buildAdapters(cfg, tel)...)

	go orch.Run(ctx)

	if err := orch.Restore(ctx); err != nil {
		logger.Error("failed to restore records", "err", err)
	}

	// =========================================================================
	// Start Notification
	go notifier.Watch(ctx, buildNotifier(cfg), orch.OnRecordCompleted, orch.OnRecordFailed)

	// =========================================================================
	// Start Network Monitor
	monitor := netwatch.NewMonitor(&netwatch.DialProber{
		Address: cfg.Network.ProbeAddress,
		Timeout: cfg.Network.ProbeTimeout,
	}, orch, cfg.Network.ProbeInterval, tel)

	go monitor.Run(ctx)

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, orch, []string{cfg.SaveDir}, cfg.CleanupInterval, cfg.CleanupInterval)

	// =========================================================================
	// Start Control Plane

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, tel, cfg)

	go func() {
		logger.Info("Initializing control plane", "host", cfg.Control.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for transfers...",
		"save_dir", cfg.SaveDir,
		"max_concurrent", cfg.MaxConcurrent,
		"media_strategy", cfg.Media.Strategy,
	)

	// =========================================================================
	// Wait for shutdown
	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Control.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	// Stop the session and wait until running transfers are stopped and persisted.
	stop()
	<-orch.Done()

	return runErr
}

func buildAdapters(cfg *config.Config, tel *telemetry.Telemetry) []backend.Adapter {
	resolver := backend.NewPathResolver(map[backend.Binary]string{
		backend.BinaryAria2:  cfg.Aria2Path,
		backend.BinaryYtDlp:  cfg.YtDlpPath,
		backend.BinaryFFmpeg: cfg.FFmpegPath,
	})
	launcher := backend.ExecLauncher{}

	torrentClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	return []backend.Adapter{
		backend.NewInstrumentedAdapter(backend.NewChunked(resolver, launcher, cfg.Connections), tel),
		backend.NewInstrumentedAdapter(backend.NewTorrent(resolver, launcher, torrentClient), tel),
		backend.NewInstrumentedAdapter(backend.NewMedia(resolver, launcher, backend.MediaConfig{
			Strategy:     transfer.MediaStrategy(cfg.Media.Strategy),
			Format:       cfg.Media.Format,
			Clients:      cfg.Media.Clients,
			MaxTrials:    cfg.Media.MaxTrials,
			MaxRefreshes: cfg.Media.MaxRefreshes,
			Connections:  cfg.Connections,
		}), tel),
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.NopNotifier{}
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

// setupServer prepares the handlers and services to create the control plane server.
func setupServer(ctx context.Context, orch *session.Orchestrator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	control := rest.NewControlHandler(orch, rest.ControlConfig{
		SaveDir:        cfg.SaveDir,
		AllowedOrigins: cfg.Control.AllowedOrigins,
		RateLimit:      cfg.Control.RateLimit,
		RateBurst:      cfg.Control.RateBurst,
	}, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", control.Routes())

	return &http.Server{
		Addr:         cfg.Control.BindAddress,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
		IdleTimeout:  cfg.Control.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "control-plane"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
