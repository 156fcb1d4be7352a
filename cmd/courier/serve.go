package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/courier-ai/courier/internal/channels/telegram"
	"github.com/courier-ai/courier/internal/config"
	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/internal/providers"
	"github.com/courier-ai/courier/internal/redact"
	"github.com/courier-ai/courier/internal/service"
	"github.com/courier-ai/courier/internal/storage"
)

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime against Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			svc, cleanup, err := buildService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := svc.Start(ctx); err != nil {
				return err
			}
			defer svc.Stop()

			logger := newLogger(cfg)

			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.MetricsHandler(prometheus.DefaultGatherer))
			metricsSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error(context.Background(), "metrics listener failed", "addr", cfg.Metrics.ListenAddr, "error", err)
				}
			}()
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsSrv.Shutdown(shutCtx)
			}()

			adapter, err := telegram.NewAdapter(cfg.Telegram, svc, logger)
			if err != nil {
				return err
			}
			adapter.Start(ctx)
			return nil
		},
	}
}

// buildService wires the shared stack used by serve and the inspection
// subcommands.
func buildService(cfg *config.Config) (*service.Service, func(), error) {
	logger := newLogger(cfg)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	redactor := redact.New(cfg.Logging.RedactPatterns...)

	var store storage.Store
	if cfg.Storage.Path != "" {
		s, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		store = s
	} else {
		store = storage.NewMemoryStore()
	}

	provider, err := providers.New(cfg.Provider)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	svc, err := service.New(cfg, store, provider, redactor, logger, metrics)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return svc, func() { store.Close() }, nil
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:               cfg.Logging.Level,
		Format:              cfg.Logging.Format,
		ExtraRedactPatterns: cfg.Logging.RedactPatterns,
	})
}

// loadService is the subcommand helper: config plus wired service.
func loadService(configPath string) (*service.Service, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return buildService(cfg)
}
