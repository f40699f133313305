package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/storeflow/storeflow/pkg/config"
	"github.com/storeflow/storeflow/pkg/messaging"
)

const (
	headerPrefix      = "sf-"
	headerMessageID   = headerPrefix + messaging.HeaderMessageID
	headerDataType    = headerPrefix + messaging.HeaderDataType
	headerRetryCount  = headerPrefix + "retry-count"
	headerOriginTopic = headerPrefix + "origin-topic"
	headerDLQError    = headerPrefix + "dlq-error"
)

// Producer publishes each data type to its own topic, keyed by message id.
type Producer struct {
	writer      *kafka.Writer
	topicPrefix string
	retryTopic  string
	dlqTopic    string
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer:      writer,
		topicPrefix: cfg.TopicPrefix,
		retryTopic:  cfg.RetryTopic,
		dlqTopic:    cfg.DLQTopic,
	}
}

// Topic returns the topic a data type is published to.
func (p *Producer) Topic(dataType string) string {
	return topicFor(p.topicPrefix, dataType)
}

func (p *Producer) Publish(ctx context.Context, env messaging.Envelope) error {
	if env.DataType == "" {
		return messaging.Invalid("message %s has no data type", env.MessageID)
	}
	if err := p.writer.WriteMessages(ctx, messageFor(p.Topic(env.DataType), env)); err != nil {
		return classify(fmt.Errorf("failed to publish %s: %w", env.MessageID, err))
	}
	return nil
}

func (p *Producer) PublishRetry(ctx context.Context, message kafka.Message) error {
	if p.retryTopic == "" {
		return errors.New("retry topic is not configured")
	}
	return p.republish(ctx, p.retryTopic, message)
}

func (p *Producer) PublishDLQ(ctx context.Context, message kafka.Message) error {
	if p.dlqTopic == "" {
		return errors.New("dlq topic is not configured")
	}
	return p.republish(ctx, p.dlqTopic, message)
}

func (p *Producer) republish(ctx context.Context, topic string, message kafka.Message) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     message.Key,
		Value:   message.Value,
		Headers: message.Headers,
		Time:    time.Now(),
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func topicFor(prefix, dataType string) string {
	return prefix + messaging.ExchangeName(dataType)
}

func messageFor(topic string, env messaging.Envelope) kafka.Message {
	headers := make([]kafka.Header, 0, len(env.Metadata)+2)
	headers = append(headers,
		kafka.Header{Key: headerMessageID, Value: []byte(env.MessageID.String())},
		kafka.Header{Key: headerDataType, Value: []byte(env.DataType)},
	)
	for key, value := range env.Metadata {
		if strings.HasPrefix(key, headerPrefix) {
			continue
		}
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(env.MessageID.String()),
		Value:   env.Data,
		Headers: headers,
		Time:    env.CreatedAt,
	}
}

// classify marks broker rejections that a retry cannot fix as permanent.
func classify(err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, writeErr := range writeErrs {
			if writeErr != nil && messaging.IsPermanent(classify(writeErr)) {
				return messaging.Permanent(err)
			}
		}
		return err
	}

	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		switch kafkaErr {
		case kafka.MessageSizeTooLarge, kafka.InvalidMessage, kafka.InvalidTopic, kafka.TopicAuthorizationFailed:
			return messaging.Permanent(err)
		}
	}
	return err
}
