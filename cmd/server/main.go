package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/gndimport/internal/config"
	"github.com/JonMunkholm/gndimport/internal/events"
	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/logging"
	"github.com/JonMunkholm/gndimport/internal/store"
	"github.com/JonMunkholm/gndimport/internal/web"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"import_workers", cfg.Import.Workers,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"events_enabled", cfg.Events.Enabled(),
	)

	ctx := context.Background()
	fs, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open feature store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	opts := importer.Options{
		Workers:   cfg.Import.Workers,
		Timeout:   cfg.Upload.Timeout,
		Limiter:   importer.NewLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime),
		StoreName: cfg.Store.Backend,
	}

	// Events are optional; a broker outage at startup is not fatal.
	if cfg.Events.Enabled() {
		pub, err := events.Dial(events.Config{
			URL:      cfg.Events.URL,
			Exchange: cfg.Events.Exchange,
			Timeout:  cfg.Events.PublishTimeout,
		})
		if err != nil {
			slog.Warn("import events disabled", "error", err)
		} else {
			defer pub.Close()
			opts.Notifier = pub
			slog.Info("publishing import events", "exchange", cfg.Events.Exchange)
		}
	}

	im := importer.New(fs, opts)
	server := web.NewServer(cfg, im, fs)

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active imports to complete (with timeout)
		limiter := im.Limiter()
		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		closeStore()
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
