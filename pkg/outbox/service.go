package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/metrics"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
)

const metadataKind = "kind"

// Service is the application-facing API: it records messages and triggers
// their processing.
type Service struct {
	store   store.MessageStore
	sweeper *Sweeper
	clock   Clock
	logger  *zap.Logger
}

func NewService(st store.MessageStore, sweeper *Sweeper, logger *zap.Logger) *Service {
	clock := Clock(systemClock{})
	if sweeper != nil {
		clock = sweeper.processor.clock
	}
	return &Service{store: st, sweeper: sweeper, clock: clock, logger: logger}
}

// WithStore returns a copy of the service writing through st, typically a
// repository bound to the caller's transaction.
func (s *Service) WithStore(st store.MessageStore) *Service {
	clone := *s
	clone.store = st
	return &clone
}

// AddPublishMessage records an integration event for publication to the broker.
func (s *Service) AddPublishMessage(ctx context.Context, dataType string, payload interface{}, headers map[string]string) (*model.StoreMessage, error) {
	return s.add(ctx, uuid.Nil, dataType, payload, model.DeliveryOutbox, headers)
}

// AddReceivedMessage records a message consumed from the broker. The broker
// message id becomes the record id, so a redelivery fails with
// store.ErrDuplicateKey.
func (s *Service) AddReceivedMessage(ctx context.Context, env messaging.Envelope) (*model.StoreMessage, error) {
	return s.add(ctx, env.MessageID, env.DataType, env.Data, model.DeliveryInbox, env.Metadata)
}

// AddInternalMessage records an internal command for in-process handling.
func (s *Service) AddInternalMessage(ctx context.Context, dataType string, payload interface{}, headers map[string]string) (*model.StoreMessage, error) {
	return s.add(ctx, uuid.Nil, dataType, payload, model.DeliveryInternal, withKind(headers, "command"))
}

// AddNotification records a domain notification for in-process handling.
func (s *Service) AddNotification(ctx context.Context, dataType string, payload interface{}, headers map[string]string) (*model.StoreMessage, error) {
	return s.add(ctx, uuid.Nil, dataType, payload, model.DeliveryInternal, withKind(headers, "notification"))
}

// Process handles one record now. The record must have deliveryType.
func (s *Service) Process(ctx context.Context, id uuid.UUID, deliveryType model.DeliveryType) (Outcome, error) {
	if s.sweeper == nil {
		return "", errors.New("service has no sweeper")
	}
	return s.sweeper.ProcessOne(ctx, id, deliveryType)
}

func (s *Service) ProcessAll(ctx context.Context) (SweepResult, error) {
	if s.sweeper == nil {
		return SweepResult{}, errors.New("service has no sweeper")
	}
	return s.sweeper.ProcessAll(ctx)
}

func (s *Service) add(ctx context.Context, id uuid.UUID, dataType string, payload interface{}, deliveryType model.DeliveryType, headers map[string]string) (*model.StoreMessage, error) {
	if dataType == "" {
		return nil, fmt.Errorf("%w: data type is required", messaging.ErrValidation)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s payload: %v", messaging.ErrValidation, dataType, err)
	}

	var metadata model.JSONB
	if len(headers) > 0 {
		metadata = make(model.JSONB, len(headers))
		for key, value := range headers {
			metadata[key] = value
		}
	}

	msg, err := store.NewMessage(dataType, data, deliveryType, metadata, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if id != uuid.Nil {
		msg.ID = id
	}

	if err := s.store.Add(ctx, msg); err != nil {
		return nil, err
	}

	metrics.MessagesStored.WithLabelValues(string(deliveryType)).Inc()
	s.logger.Debug("message stored",
		zap.String("message_id", msg.ID.String()),
		zap.String("data_type", dataType),
		zap.String("delivery_type", string(deliveryType)),
	)
	return msg, nil
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, errors.New("payload is required")
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if v == nil {
			return []byte{}, nil
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func withKind(headers map[string]string, kind string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for key, value := range headers {
		out[key] = value
	}
	out[metadataKind] = kind
	return out
}
