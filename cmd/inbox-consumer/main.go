package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storeflow/storeflow/pkg/bootstrap"
	"github.com/storeflow/storeflow/pkg/config"
	"github.com/storeflow/storeflow/pkg/inbox"
	"github.com/storeflow/storeflow/pkg/logging"
	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/metrics"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/opsserver"
	"github.com/storeflow/storeflow/pkg/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if len(cfg.Inbox.DataTypes) == 0 {
		logger.Fatal("inbox.data_types must list at least one message type")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open message store", zap.Error(err))
	}

	deduper, closeDeduper, err := bootstrap.OpenDeduper(ctx, cfg, logger)
	if err != nil {
		_ = stores.Close()
		logger.Fatal("failed to open dedupe cache", zap.Error(err))
	}

	bus, err := bootstrap.OpenBus(ctx, cfg, cfg.Inbox.DataTypes, logger)
	if err != nil {
		_ = multierr.Combine(closeDeduper(), stores.Close())
		logger.Fatal("failed to connect to message bus", zap.String("driver", cfg.Bus.Driver), zap.Error(err))
	}

	handlers := messaging.NewRegistry()
	registerHandlers(handlers, cfg.Inbox.DataTypes, logger)

	processor := outbox.NewProcessor(stores.Messages, logger,
		outbox.WithInboxHandlers(handlers),
		outbox.WithRetryPolicy(bootstrap.RetryPolicy(cfg.Outbox)),
		outbox.WithLeaseTTL(cfg.Outbox.LeaseTTL),
	)
	sweeperCfg := bootstrap.SweeperConfig(cfg.Outbox)
	sweeperCfg.DeliveryTypes = []model.DeliveryType{model.DeliveryInbox}
	sweeper := outbox.NewSweeper(stores.Messages, processor, logger, sweeperCfg)
	service := outbox.NewService(stores.Messages, sweeper, logger)
	ingestor := inbox.NewIngestor(service, deduper, logger)

	prometheus.MustRegister(metrics.NewBacklogCollector(stores.Messages, logger))

	var pinger opsserver.Pinger
	if stores.Database != nil {
		pinger = stores.Database
	}
	ops := opsserver.NewServer(stores.Messages, pinger, cfg.Server, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Subscriber.Consume(ctx, ingestor.Handle)
	})
	g.Go(func() error {
		// retries inbox records whose inline processing failed
		return sweeper.Run(ctx, nil)
	})
	g.Go(func() error {
		return ops.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("inbox consumer stopped with error", zap.Error(err))
	}

	logger.Info("inbox consumer shutting down")
	if err := multierr.Combine(bus.Close(), closeDeduper(), stores.Close()); err != nil {
		logger.Warn("failed to release resources", zap.Error(err))
	}
}
