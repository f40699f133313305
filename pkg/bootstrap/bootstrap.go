// Package bootstrap builds the store, bus and dedupe cache selected by the
// configuration. Both binaries share it.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/bus/kafka"
	busmemory "github.com/storeflow/storeflow/pkg/bus/memory"
	"github.com/storeflow/storeflow/pkg/bus/rabbitmq"
	"github.com/storeflow/storeflow/pkg/config"
	"github.com/storeflow/storeflow/pkg/inbox"
	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/outbox"
	"github.com/storeflow/storeflow/pkg/store"
	"github.com/storeflow/storeflow/pkg/store/memory"
	"github.com/storeflow/storeflow/pkg/store/postgres"
	redisclient "github.com/storeflow/storeflow/pkg/store/redis"
)

// Stores is the message store plus the resources behind it.
type Stores struct {
	Messages store.MessageStore
	// Database is nil for the in-memory driver.
	Database *postgres.Store

	notifier *postgres.Notifier
	closers  []func() error
}

// Wake returns the sweeper wake-up channel, or nil when notifications are
// not available.
func (s *Stores) Wake(ctx context.Context) <-chan struct{} {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Wake(ctx)
}

func (s *Stores) Close() error {
	return closeAll(s.closers)
}

func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory message store, records are lost on restart")
		return &Stores{Messages: memory.NewStore()}, nil
	case "postgres", "":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	db, err := postgres.NewStore(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	stores := &Stores{Database: db, closers: []func() error{db.Close}}

	if cfg.Store.Migrate {
		if err := db.Migrate(ctx); err != nil {
			_ = stores.Close()
			return nil, err
		}
	}

	repo := postgres.NewMessageRepository(db.DB())
	if channel := cfg.Outbox.NotifyChannel; channel != "" {
		repo = repo.WithNotify(channel)
		notifier, err := postgres.NewNotifier(cfg.Database.DSN(), channel, logger)
		if err != nil {
			logger.Warn("postgres notifications unavailable, relying on polling", zap.Error(err))
		} else {
			stores.notifier = notifier
			stores.closers = append(stores.closers, notifier.Close)
		}
	}
	stores.Messages = repo
	return stores, nil
}

// Bus pairs the publisher and subscriber of the configured broker.
type Bus struct {
	Publisher  messaging.Publisher
	Subscriber messaging.Subscriber
	closers    []func() error
}

func (b *Bus) Close() error {
	return closeAll(b.closers)
}

// OpenBus connects to the configured broker. dataTypes are the message types
// the subscriber listens to.
func OpenBus(ctx context.Context, cfg *config.Config, dataTypes []string, logger *zap.Logger) (*Bus, error) {
	switch cfg.Bus.Driver {
	case "rabbitmq":
		conn, err := rabbitmq.Dial(ctx, cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		publisher := rabbitmq.NewPublisher(conn, logger)
		subscriber := rabbitmq.NewSubscriber(conn, cfg.RabbitMQ, dataTypes, logger)
		return &Bus{
			Publisher:  publisher,
			Subscriber: subscriber,
			closers:    []func() error{conn.Close, publisher.Close, subscriber.Close},
		}, nil
	case "kafka":
		producer := kafka.NewProducer(cfg.Kafka)
		consumer := kafka.NewConsumer(cfg.Kafka, producer, dataTypes, logger)
		return &Bus{
			Publisher:  producer,
			Subscriber: consumer,
			closers:    []func() error{producer.Close, consumer.Close},
		}, nil
	case "memory":
		bus := busmemory.NewBus(0)
		return &Bus{Publisher: bus, Subscriber: bus, closers: []func() error{bus.Close}}, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

// OpenDeduper returns the inbox redelivery cache, or nil when disabled.
func OpenDeduper(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inbox.Deduper, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Inbox.Dedupe {
	case "redis":
		client, err := redisclient.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return inbox.NewRedisDeduper(client.Client(), "", cfg.Inbox.DedupeTTL), client.Close, nil
	case "memory":
		return inbox.NewMemoryDeduper(cfg.Inbox.DedupeTTL), noop, nil
	case "none", "":
		logger.Info("inbox dedupe cache disabled")
		return nil, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown dedupe driver %q", cfg.Inbox.Dedupe)
	}
}

func RetryPolicy(cfg config.OutboxConfig) outbox.RetryPolicy {
	return outbox.RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

func SweeperConfig(cfg config.OutboxConfig) outbox.SweeperConfig {
	return outbox.SweeperConfig{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
	}
}

// closeAll closes in reverse order of acquisition.
func closeAll(closers []func() error) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}
	return err
}
