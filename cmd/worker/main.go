// Worker prunes expired sessions and, when KAFKA_BROKERS and LOKI_URL are set, ships session events
// from Kafka to Loki. It serves its Prometheus metrics on HTTP_ADDR.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketplace-auth/backend/internal/config"
	applogger "marketplace-auth/backend/internal/logger"
	"marketplace-auth/backend/internal/session/service"
	"marketplace-auth/backend/internal/store"
	"marketplace-auth/backend/internal/telemetry"
	"marketplace-auth/backend/internal/telemetry/loki"
	"marketplace-auth/backend/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := applogger.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open stores", zap.Error(err))
	}
	defer func() { _ = stores.Close() }()

	metrics := telemetry.NewMetrics()
	metricsSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker metrics listening", zap.String("addr", cfg.HTTPAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	pruner := &service.Pruner{Sessions: stores.Sessions, Retention: cfg.PruneKeep(), Metrics: metrics, Log: logger}
	g.Go(func() error {
		pruner.Run(ctx, cfg.PruneEvery())
		return nil
	})

	if cfg.ShipsToLoki() {
		lokiClient, err := loki.NewClient(cfg.LokiURL, nil)
		if err != nil {
			logger.Fatal("loki client", zap.Error(err))
		}
		reader := producer.NewKafkaReader(cfg.KafkaBrokersList(), cfg.SessionEventsTopic, cfg.KafkaGroupID)
		defer func() { _ = reader.Close() }()
		logger.Info("shipping session events to loki",
			zap.String("topic", cfg.SessionEventsTopic), zap.String("group", cfg.KafkaGroupID))
		g.Go(func() error {
			return producer.Consume(ctx, reader, logger, lokiClient.PushEventJSON)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
