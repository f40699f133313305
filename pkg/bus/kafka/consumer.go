package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/config"
	"github.com/storeflow/storeflow/pkg/messaging"
)

// Consumer reads the topics of the subscribed data types plus the retry
// topic in one consumer group. Failed deliveries are moved to the retry topic
// until the retry budget is spent and then to the DLQ.
type Consumer struct {
	producer   *Producer
	config     config.KafkaConfig
	topics     []string
	logger     *zap.Logger
	mu         sync.Mutex
	reader     *kafka.Reader
	closeOnce  sync.Once
	maxRetries int
}

func NewConsumer(cfg config.KafkaConfig, producer *Producer, dataTypes []string, logger *zap.Logger) *Consumer {
	topics := make([]string, 0, len(dataTypes)+1)
	for _, dataType := range dataTypes {
		topics = append(topics, topicFor(cfg.TopicPrefix, dataType))
	}
	if cfg.RetryTopic != "" {
		topics = append(topics, cfg.RetryTopic)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Consumer{
		producer:   producer,
		config:     cfg,
		topics:     topics,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

func (c *Consumer) Consume(ctx context.Context, handler messaging.DeliveryHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.config.Brokers,
		GroupID:     c.config.GroupID,
		GroupTopics: c.topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		Dialer: &kafka.Dialer{
			ClientID: c.config.ClientID,
		},
	})
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	c.logger.Info("kafka consumer started",
		zap.String("group_id", c.config.GroupID),
		zap.Strings("topics", c.topics),
	)

	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.handle(ctx, message, handler); err != nil {
			return err
		}

		if err := reader.CommitMessages(ctx, message); err != nil {
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, message kafka.Message, handler messaging.DeliveryHandler) error {
	env, err := envelopeFromMessage(message)
	if err == nil {
		err = handler(ctx, env)
	}
	if err == nil {
		return nil
	}

	topic, headers := c.route(message, err)
	c.logger.Warn("kafka delivery failed",
		zap.String("topic", message.Topic),
		zap.Int64("offset", message.Offset),
		zap.String("reroute_topic", topic),
		zap.Error(err),
	)
	if topic == "" || c.producer == nil {
		return err
	}

	message.Headers = headers
	if topic == c.config.RetryTopic {
		return c.producer.PublishRetry(ctx, message)
	}
	return c.producer.PublishDLQ(ctx, message)
}

// route picks where a failed message goes next. Permanent failures skip the
// retry topic. An empty topic means the failure cannot be parked.
func (c *Consumer) route(message kafka.Message, handlerErr error) (string, []kafka.Header) {
	retryCount := retryAttempt(message)
	if !messaging.IsPermanent(handlerErr) && retryCount < c.maxRetries && c.config.RetryTopic != "" {
		return c.config.RetryTopic, replaceHeaders(message.Headers,
			kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
			kafka.Header{Key: headerOriginTopic, Value: []byte(originTopic(message))},
		)
	}

	if c.config.DLQTopic != "" {
		return c.config.DLQTopic, replaceHeaders(message.Headers,
			kafka.Header{Key: headerOriginTopic, Value: []byte(originTopic(message))},
			kafka.Header{Key: headerDLQError, Value: []byte(handlerErr.Error())},
		)
	}

	return "", nil
}

func (c *Consumer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.reader != nil {
			closeErr = c.reader.Close()
		}
	})
	return closeErr
}

func envelopeFromMessage(message kafka.Message) (messaging.Envelope, error) {
	var rawID, dataType string
	metadata := make(map[string]string, len(message.Headers))
	for _, h := range message.Headers {
		switch {
		case h.Key == headerMessageID:
			rawID = string(h.Value)
		case h.Key == headerDataType:
			dataType = string(h.Value)
		case strings.HasPrefix(h.Key, headerPrefix):
		default:
			metadata[h.Key] = string(h.Value)
		}
	}

	if rawID == "" {
		rawID = string(message.Key)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return messaging.Envelope{}, messaging.Invalid("message id %q: %v", rawID, err)
	}
	if dataType == "" {
		return messaging.Envelope{}, messaging.Invalid("message %s has no data type", id)
	}

	return messaging.Envelope{
		MessageID: id,
		DataType:  dataType,
		Data:      message.Value,
		Metadata:  metadata,
		CreatedAt: message.Time,
	}, nil
}

func retryAttempt(message kafka.Message) int {
	value, ok := header(message, headerRetryCount)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return count
}

func originTopic(message kafka.Message) string {
	if value, ok := header(message, headerOriginTopic); ok {
		return value
	}
	return message.Topic
}

func header(message kafka.Message, key string) (string, bool) {
	for _, h := range message.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// replaceHeaders returns existing with the given headers set, replacing any
// earlier value for the same key.
func replaceHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	for _, h := range existing {
		replaced := false
		for _, n := range headers {
			if h.Key == n.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, h)
		}
	}
	return append(merged, headers...)
}
