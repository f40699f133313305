package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/config"
	"github.com/storeflow/storeflow/pkg/messaging"
)

const exchangeKind = amqp.ExchangeFanout

// URL builds the broker address from the host and credentials.
func URL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.UserName, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.VHost,
	}
	if cfg.VHost == "/" || cfg.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// Dial connects to RabbitMQ, retrying while the broker comes up.
func Dial(ctx context.Context, cfg config.RabbitMQConfig, logger *zap.Logger) (*amqp.Connection, error) {
	attempts := cfg.DialAttempts
	if attempts == 0 {
		attempts = 10
	}
	interval := cfg.DialInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	backoff := retry.WithMaxRetries(uint64(attempts), retry.NewConstant(interval))
	var conn *amqp.Connection
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		conn, err = amqp.Dial(URL(cfg))
		if err != nil {
			logger.Warn("failed to connect to rabbitmq, retrying", zap.String("host", cfg.Host), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return conn, nil
}

type exchangeDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// declareExchange declares the durable exchange a data type is published to.
func declareExchange(ch exchangeDeclarer, name string) error {
	return ch.ExchangeDeclare(
		name,
		exchangeKind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// classify marks broker refusals that a retry cannot fix as permanent.
func classify(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ContentTooLarge, amqp.AccessRefused, amqp.NotFound, amqp.PreconditionFailed, amqp.NotImplemented:
			return fmt.Errorf("rabbitmq refused message: %w", messaging.Permanent(err))
		}
	}
	return err
}
