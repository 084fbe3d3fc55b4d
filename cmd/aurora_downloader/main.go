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
	"github.com/italolelis/aurora_downloader/internal/cleanup"
	"github.com/italolelis/aurora_downloader/internal/config"
	"github.com/italolelis/aurora_downloader/internal/downloader"
	"github.com/italolelis/aurora_downloader/internal/http/rest"
	"github.com/italolelis/aurora_downloader/internal/logctx"
	"github.com/italolelis/aurora_downloader/internal/notifier"
	"github.com/italolelis/aurora_downloader/internal/storage/sqlite"
	"github.com/italolelis/aurora_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.New(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("aurora downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

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

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)
	instanceID := downloader.GenerateInstanceID()

	interrupted, err := repo.MarkInterrupted(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to mark interrupted downloads: %w", err)
	}

	if interrupted > 0 {
		logger.Warn("marked downloads from a previous run as failed", "count", interrupted)
	}

	// =========================================================================
	// Start Downloader
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	dl, err := downloader.New(ctx, downloader.Options{
		WorkspaceDir:       cfg.WorkspaceDir,
		MaxConcurrent:      cfg.MaxConcurrentDownloads,
		Parts:              cfg.DownloadParts,
		MultipartThreshold: cfg.MultipartThreshold,
		BufferSize:         cfg.BufferSize,
		ProbeTimeout:       cfg.ProbeTimeout,
		HTTPClient:         downloader.NewHTTPClient(cfg.RequestTimeout),
		Repository:         repo,
		Notifier:           notif,
		Telemetry:          tel,
		InstanceID:         instanceID,
	})
	if err != nil {
		return fmt.Errorf("failed to create downloader: %w", err)
	}
	defer dl.Close()

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, cfg.WorkspaceDir, cfg.CleanupInterval, cfg.KeepPartsFor, dl.IsActive)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, dl, repo, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"workspace_dir", cfg.WorkspaceDir,
		"max_concurrent", cfg.MaxConcurrentDownloads,
		"parts", cfg.DownloadParts,
		"multipart_threshold", cfg.MultipartThreshold,
		"instance_id", instanceID,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, dl *downloader.Downloader, repo *sqlite.InstrumentedDownloadRepository, tel *telemetry.Telemetry) *http.Server {
	handler := rest.NewDownloadsHandler(cfg.API.Username, cfg.API.Password, dl, repo)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "aurora_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
