package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	httpadapter "github.com/NeilCic/nappatzim-sub001/internal/adapter/http"
	kafkaadapter "github.com/NeilCic/nappatzim-sub001/internal/adapter/kafka"
	"github.com/NeilCic/nappatzim-sub001/internal/adapter/sqlite"
	"github.com/NeilCic/nappatzim-sub001/internal/config"
	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	"github.com/NeilCic/nappatzim-sub001/internal/observability"
	"github.com/NeilCic/nappatzim-sub001/internal/pipeline"
	"github.com/NeilCic/nappatzim-sub001/internal/service"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "error", err, "path", cfg.DatabasePath)
		os.Exit(1)
	}
	defer store.Close()

	engine := domain.NewInsightsEngine(cfg.Insights)
	svc := service.New(store, engine, logger, metrics)

	var (
		reader *kafkaadapter.Reader
		writer *kafkaadapter.Writer
		p      *pipeline.Pipeline
	)
	ready := httpadapter.AllReady(store)
	if cfg.PipelineEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		writer = kafkaadapter.NewWriter(cfg, logger)
		transformer := pipeline.NewTransformer(svc, logger, metrics)
		p = pipeline.New(reader, transformer, writer, logger, metrics, cfg.BatchSize)
		ready = httpadapter.AllReady(store, p)
	} else {
		logger.Info("vote pipeline disabled")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, svc, ready, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if p != nil {
		go func() {
			if err := p.Run(ctx); err != nil {
				logger.Error("pipeline error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
