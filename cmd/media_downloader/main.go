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

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/xtreamdl/media_downloader/internal/catalog"
	"github.com/xtreamdl/media_downloader/internal/catalog/xtream"
	"github.com/xtreamdl/media_downloader/internal/cleanup"
	"github.com/xtreamdl/media_downloader/internal/config"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/downloader"
	"github.com/xtreamdl/media_downloader/internal/downloader/progress"
	"github.com/xtreamdl/media_downloader/internal/http/rest"
	"github.com/xtreamdl/media_downloader/internal/logctx"
	"github.com/xtreamdl/media_downloader/internal/notifier"
	"github.com/xtreamdl/media_downloader/internal/storage"
	"github.com/xtreamdl/media_downloader/internal/storage/sqlite"
	"github.com/xtreamdl/media_downloader/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("media downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("DB error: %w", err)
	}
	defer database.Close()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("telemetry error: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)
	settingsRepo := sqlite.NewSettingsRepository(database, storage.Settings{
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		DownloadChunks:         cfg.DownloadChunks,
		SpeedLimitBPS:          cfg.SpeedLimitBPS,
	})

	// =========================================================================
	// Recovery: settle records orphaned by an unclean shutdown before any new
	// admissions are accepted.
	recovered, err := downloader.NewRecoverer(repo).Run(ctx)
	if err != nil {
		return fmt.Errorf("recovery error: %w", err)
	}

	if recovered > 0 {
		logger.Warn("interrupted downloads marked failed", "count", recovered)
	}

	if all, err := repo.GetDownloads(ctx); err == nil {
		if err := cleanup.RemoveOrphanedPartials(ctx, cfg.MediaPath, downloader.PartialSuffix, all); err != nil {
			logger.Warn("partial cleanup failed", "err", err)
		}
	}

	// =========================================================================
	// Start Catalog Client
	resolver := xtream.NewClient(cfg.XtreamBaseURL, cfg.XtreamUsername, cfg.XtreamPassword, cfg.MediaPath)

	if err := resolver.Authenticate(ctx); err != nil {
		return fmt.Errorf("xtream authentication error: %w", err)
	}

	// =========================================================================
	// Start Download Engine
	settings, err := settingsRepo.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	var broadcaster *progress.Broadcaster

	mgr := downloader.NewManager(ctx, repo, &http.Client{}, tel,
		func(s download.Snapshot) { broadcaster.Publish(s) },
		downloader.ManagerConfig{
			MaxConcurrent:     settings.MaxConcurrentDownloads,
			ChunkCount:        settings.DownloadChunks,
			SpeedLimitBPS:     settings.SpeedLimitBPS,
			MaxRetries:        cfg.MaxRetries,
			InactivityTimeout: cfg.InactivityTimeout,
			PersistInterval:   cfg.ProgressInterval,
		})

	broadcaster = progress.NewBroadcaster(mgr, cfg.ProgressInterval, cfg.HeartbeatInterval)
	go broadcaster.Run(ctx)

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, mgr, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, mgr, repo, settingsRepo, resolver, broadcaster, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"media_path", cfg.MediaPath,
		"max_concurrent_downloads", settings.MaxConcurrentDownloads,
		"download_chunks", settings.DownloadChunks,
		"speed_limit", humanize.Bytes(uint64(settings.SpeedLimitBPS)),
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Running downloads are interrupted; the recovery manager settles
		// their records on the next start.
		mgr.Close()

		return nil
	}
}

func setupNotifications(ctx context.Context, mgr *downloader.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for d := range mgr.OnDownloadFinished {
			logger.Info("download finished",
				"download_id", d.ID,
				"title", d.Title,
				"size", humanize.Bytes(uint64(max(d.TotalBytes, 0))),
			)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(ctx, "✅ Download finished: "+d.Title); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", d.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for d := range mgr.OnDownloadFailed {
			logger.Error("download failed", "download_id", d.ID, "title", d.Title, "reason", d.ErrorMessage)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(ctx, "❌ Download failed: "+d.Title); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", d.ID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	mgr *downloader.Manager,
	repo storage.DownloadRepository,
	settingsRepo storage.SettingsRepository,
	resolver catalog.Resolver,
	broadcaster *progress.Broadcaster,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Mount("/api/downloads", rest.NewDownloadHandler(mgr, repo, resolver).Routes())
	r.Mount("/api/settings", rest.NewSettingsHandler(mgr, settingsRepo).Routes())
	r.Mount("/api/events", rest.NewEventsHandler(broadcaster).Routes())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
