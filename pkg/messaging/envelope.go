package messaging

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/storeflow/storeflow/pkg/model"
)

const (
	HeaderMessageID     = "message-id"
	HeaderDataType      = "data-type"
	HeaderCorrelationID = "correlation-id"
	HeaderContentType   = "content-type"

	ContentTypeJSON = "application/json"
)

// Envelope is the unit handed to a Publisher and received by a Subscriber.
type Envelope struct {
	MessageID uuid.UUID
	DataType  string
	Data      []byte
	Metadata  map[string]string
	CreatedAt time.Time
}

// EnvelopeFrom builds the broker envelope for a stored record. Non-string
// metadata values are dropped.
func EnvelopeFrom(msg *model.StoreMessage) Envelope {
	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		if s, ok := value.(string); ok {
			metadata[key] = s
		}
	}
	return Envelope{
		MessageID: msg.ID,
		DataType:  msg.DataType,
		Data:      msg.Data,
		Metadata:  metadata,
		CreatedAt: msg.CreatedAt,
	}
}

// ContentType returns the declared content type, defaulting to JSON.
func (e Envelope) ContentType() string {
	if ct := e.Metadata[HeaderContentType]; ct != "" {
		return ct
	}
	return ContentTypeJSON
}

// Publisher delivers envelopes to a broker. Publish returns once the broker
// has acknowledged the message. Errors wrapped with Permanent are not retried.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// DeliveryHandler processes one received envelope. A nil error acknowledges
// the delivery; any error requests redelivery.
type DeliveryHandler func(ctx context.Context, env Envelope) error

// Subscriber runs a delivery loop until ctx is cancelled.
type Subscriber interface {
	Consume(ctx context.Context, handler DeliveryHandler) error
	Close() error
}

// ExchangeName maps a data type to its broker entity name: the last
// namespace segment in snake_case, e.g. "Catalogs.ProductCreatedV1" becomes
// "product_created_v1".
func ExchangeName(dataType string) string {
	if i := strings.LastIndexAny(dataType, ".+"); i >= 0 {
		dataType = dataType[i+1:]
	}

	runes := []rune(dataType)
	var b strings.Builder
	for i, r := range runes {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
			continue
		case unicode.IsUpper(r):
			if i > 0 && runes[i-1] != '_' && runes[i-1] != '-' {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
