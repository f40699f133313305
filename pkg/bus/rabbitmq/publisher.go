package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/messaging"
)

// confirmChannel is the part of *amqp.Channel the publisher uses.
type confirmChannel interface {
	exchangeDeclarer
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

// Publisher sends envelopes to one fanout exchange per data type and waits
// for the broker confirm before returning. Publishes share one channel;
// confirms are awaited concurrently.
type Publisher struct {
	logger *zap.Logger
	open   func() (confirmChannel, error)
	wait   func(ctx context.Context, confirm *amqp.DeferredConfirmation) (bool, error)

	mu       sync.Mutex
	channel  confirmChannel
	declared map[string]struct{}
}

func NewPublisher(conn *amqp.Connection, logger *zap.Logger) *Publisher {
	return &Publisher{
		logger:   logger,
		open:     func() (confirmChannel, error) { return openConfirmChannel(conn) },
		wait:     waitConfirm,
		declared: make(map[string]struct{}),
	}
}

func (p *Publisher) Publish(ctx context.Context, env messaging.Envelope) error {
	if env.DataType == "" {
		return messaging.Invalid("message %s has no data type", env.MessageID)
	}

	confirm, err := p.send(ctx, env)
	if err != nil {
		return err
	}

	acked, err := p.wait(ctx, confirm)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm of %s: %w", env.MessageID, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", env.MessageID)
	}
	return nil
}

// send writes env to the channel. Only the write is serialized; the caller
// waits for the returned confirmation without holding the lock.
func (p *Publisher) send(ctx context.Context, env messaging.Envelope) (*amqp.DeferredConfirmation, error) {
	exchange := messaging.ExchangeName(env.DataType)

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return nil, err
	}

	if _, ok := p.declared[exchange]; !ok {
		if err := declareExchange(ch, exchange); err != nil {
			return nil, classify(fmt.Errorf("failed to declare exchange %s: %w", exchange, err))
		}
		p.declared[exchange] = struct{}{}
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		"",    // routing key
		false, // mandatory
		false, // immediate
		publishingFor(env),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to publish %s: %w", env.MessageID, err))
	}
	return confirm, nil
}

// channelLocked returns an open confirm-mode channel, reopening it after the
// broker closed the previous one.
func (p *Publisher) channelLocked() (confirmChannel, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}

	ch, err := p.open()
	if err != nil {
		return nil, err
	}
	if p.channel != nil {
		p.logger.Info("reopened rabbitmq publisher channel")
	}
	p.channel = ch
	// exchanges declared on the old channel still exist on the broker
	return ch, nil
}

func openConfirmChannel(conn *amqp.Connection) (confirmChannel, error) {
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection is closed: %w", amqp.ErrClosed)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return ch, nil
}

func waitConfirm(ctx context.Context, confirm *amqp.DeferredConfirmation) (bool, error) {
	return confirm.WaitContext(ctx)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return nil
	}
	err := p.channel.Close()
	p.channel = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func publishingFor(env messaging.Envelope) amqp.Publishing {
	headers := make(amqp.Table, len(env.Metadata)+1)
	for key, value := range env.Metadata {
		headers[key] = value
	}
	headers[messaging.HeaderDataType] = env.DataType

	return amqp.Publishing{
		MessageId:     env.MessageID.String(),
		Type:          env.DataType,
		ContentType:   env.ContentType(),
		CorrelationId: env.Metadata[messaging.HeaderCorrelationID],
		DeliveryMode:  amqp.Persistent,
		Timestamp:     env.CreatedAt,
		Headers:       headers,
		Body:          env.Data,
	}
}
