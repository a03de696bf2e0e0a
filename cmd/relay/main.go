// main.go
// Wires everything together: load configuration, dial the shared medium
// (fatal when unreachable), start the session manager loop on the adapter's
// message stream, and serve WebSocket clients until SIGINT/SIGTERM.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"update-relay/internal/channel"
	"update-relay/internal/config"
	"update-relay/internal/medium"
	"update-relay/internal/metrics"
	"update-relay/internal/relay"
	"update-relay/internal/server"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	logger.Info("Starting update relay",
		"instance_id", instanceID,
		"listen", cfg.Server.Addr,
		"ws_path", cfg.Server.WSPath,
		"medium", cfg.Medium.Type,
		"channel", cfg.Medium.Channel,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		shutdown, err := metrics.InitProvider(ctx, cfg.Metrics, instanceID)
		if err != nil {
			logger.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics shutdown error", "error", err)
			}
		}()
		logger.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	m, err := metrics.New()
	if err != nil {
		logger.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger, m); err != nil {
		logger.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) error {
	dialer, err := medium.Open(cfg.Medium, logger)
	if err != nil {
		return err
	}

	adapter, err := channel.Connect(ctx, dialer, channel.ConfigFrom(cfg), logger, m)
	if err != nil {
		var connErr *channel.ConnectionError
		if errors.As(err, &connErr) {
			logger.Error("Shared medium unreachable", "role", connErr.Role, "type", cfg.Medium.Type)
		}
		return err
	}
	defer adapter.Close()

	manager := relay.NewManager(relay.ConfigFrom(cfg.Session), adapter, logger, m)
	srv := server.New(server.ConfigFrom(cfg.Server), manager, adapter, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx, adapter.Messages()); err != nil {
			errCh <- err
		}
		cancel()
	}()
	go func() {
		defer wg.Done()
		if err := srv.Listen(ctx); err != nil {
			errCh <- err
		}
		cancel()
	}()

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
