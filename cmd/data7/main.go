package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/data7/data7/internal/api"
	"github.com/data7/data7/internal/auth"
	"github.com/data7/data7/internal/config"
	"github.com/data7/data7/internal/dataset"
	"github.com/data7/data7/internal/dispatch"
	"github.com/data7/data7/internal/observability"
	"github.com/data7/data7/internal/rowsource/sqlsource"
)

func main() {
	cfg, err := config.LoadFromEnv("data7")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	definitions, err := config.LoadDatasets(cfg.Datasets.File, cfg.Profile)
	if err != nil {
		logger.Error("failed to load datasets", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := sqlsource.Open(ctx, sqlsource.DBConfig{
		URL:             cfg.Database.URL,
		Driver:          cfg.Database.Driver,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = source.Close() }()

	registry, err := dataset.Populate(ctx, source, dataset.FromDefinitions(definitions), dataset.PopulateOptions{
		EmptyPolicy: dataset.EmptyPolicy(cfg.Datasets.EmptyPolicy),
		Concurrency: cfg.Datasets.ValidationConcurrency,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to validate datasets", slog.Any("error", err))
		_ = source.Close()
		os.Exit(1)
	}
	observability.SetDatasetCounts(registry.Len(), len(definitions))

	dispatcher := dispatch.New(registry, source, dispatch.Options{
		ChunkSize:         cfg.Stream.ChunkSize,
		SchemaSnifferSize: cfg.Stream.SchemaSnifferSize,
		Compression:       cfg.Stream.ParquetCompression,
	}, logger)

	deps := api.Dependencies{
		Logger:            logger,
		Dispatcher:        dispatcher,
		Readiness:         api.ReadinessFromPing(source.Ping),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			_ = source.Close()
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting data7 server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("root", api.DatasetsRoot(cfg)),
			slog.Int("datasets", registry.Len()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("data7 server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down data7 server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		_ = source.Close()
		os.Exit(1)
	}
}
