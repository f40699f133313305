package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storeflow/storeflow/pkg/bootstrap"
	"github.com/storeflow/storeflow/pkg/config"
	"github.com/storeflow/storeflow/pkg/logging"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open message store", zap.Error(err))
	}

	bus, err := bootstrap.OpenBus(ctx, cfg, nil, logger)
	if err != nil {
		_ = stores.Close()
		logger.Fatal("failed to connect to message bus", zap.String("driver", cfg.Bus.Driver), zap.Error(err))
	}

	processor := outbox.NewProcessor(stores.Messages, logger,
		outbox.WithPublisher(bus.Publisher),
		outbox.WithRetryPolicy(bootstrap.RetryPolicy(cfg.Outbox)),
		outbox.WithLeaseTTL(cfg.Outbox.LeaseTTL),
	)
	sweeperCfg := bootstrap.SweeperConfig(cfg.Outbox)
	sweeperCfg.DeliveryTypes = []model.DeliveryType{model.DeliveryOutbox}
	sweeper := outbox.NewSweeper(stores.Messages, processor, logger, sweeperCfg)

	prometheus.MustRegister(metrics.NewBacklogCollector(stores.Messages, logger))

	var pinger opsserver.Pinger
	if stores.Database != nil {
		pinger = stores.Database
	}
	ops := opsserver.NewServer(stores.Messages, pinger, cfg.Server, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(ctx, stores.Wake(ctx))
	})
	g.Go(func() error {
		return ops.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("message relay stopped with error", zap.Error(err))
	}

	logger.Info("message relay shutting down")
	if err := bus.Close(); err != nil {
		logger.Warn("failed to close message bus", zap.Error(err))
	}
	if err := stores.Close(); err != nil {
		logger.Warn("failed to close message store", zap.Error(err))
	}
}
