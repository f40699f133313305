package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/config"
	"github.com/storeflow/storeflow/pkg/messaging"
)

// Subscriber binds one durable queue to the exchange of every configured data
// type and feeds deliveries to a handler with manual acknowledgement.
type Subscriber struct {
	conn      *amqp.Connection
	queue     string
	prefetch  int
	dataTypes []string
	logger    *zap.Logger

	channel *amqp.Channel
}

func NewSubscriber(conn *amqp.Connection, cfg config.RabbitMQConfig, dataTypes []string, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		conn:      conn,
		queue:     cfg.Queue,
		prefetch:  cfg.Prefetch,
		dataTypes: dataTypes,
		logger:    logger,
	}
}

func (s *Subscriber) Consume(ctx context.Context, handler messaging.DeliveryHandler) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	s.channel = ch

	if s.prefetch > 0 {
		if err := ch.Qos(s.prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	if _, err := ch.QueueDeclare(
		s.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", s.queue, err)
	}

	for _, dataType := range s.dataTypes {
		exchange := messaging.ExchangeName(dataType)
		if err := declareExchange(ch, exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
		if err := ch.QueueBind(s.queue, "", exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", s.queue, exchange, err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		s.queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	s.logger.Info("rabbitmq consumer started",
		zap.String("queue", s.queue),
		zap.Strings("data_types", s.dataTypes),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("rabbitmq delivery channel closed: %w", amqp.ErrClosed)
			}
			if err := s.handle(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// handle acks a delivery on success, requeues it on a transient failure and
// drops it on a permanent one.
func (s *Subscriber) handle(ctx context.Context, d amqp.Delivery, handler messaging.DeliveryHandler) error {
	env, err := envelopeFromDelivery(d)
	if err != nil {
		s.logger.Error("dropping malformed delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		return d.Nack(false, false)
	}

	if err := handler(ctx, env); err != nil {
		requeue := !messaging.IsPermanent(err)
		s.logger.Warn("delivery handling failed",
			zap.String("message_id", env.MessageID.String()),
			zap.String("data_type", env.DataType),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		return d.Nack(false, requeue)
	}
	return d.Ack(false)
}

func (s *Subscriber) Close() error {
	if s.channel == nil {
		return nil
	}
	err := s.channel.Close()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func envelopeFromDelivery(d amqp.Delivery) (messaging.Envelope, error) {
	id, err := uuid.Parse(d.MessageId)
	if err != nil {
		return messaging.Envelope{}, messaging.Invalid("message id %q: %v", d.MessageId, err)
	}

	metadata := make(map[string]string, len(d.Headers))
	for key, value := range d.Headers {
		if s, ok := value.(string); ok {
			metadata[key] = s
		}
	}

	dataType := d.Type
	if dataType == "" {
		dataType = metadata[messaging.HeaderDataType]
	}
	if dataType == "" {
		return messaging.Envelope{}, messaging.Invalid("message %s has no data type", id)
	}
	delete(metadata, messaging.HeaderDataType)

	if d.CorrelationId != "" {
		metadata[messaging.HeaderCorrelationID] = d.CorrelationId
	}
	if d.ContentType != "" {
		metadata[messaging.HeaderContentType] = d.ContentType
	}

	return messaging.Envelope{
		MessageID: id,
		DataType:  dataType,
		Data:      d.Body,
		Metadata:  metadata,
		CreatedAt: d.Timestamp,
	}, nil
}
