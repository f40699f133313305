package inbox

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/metrics"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/outbox"
	"github.com/storeflow/storeflow/pkg/store"
)

const (
	sourceCache = "cache"
	sourceStore = "store"
)

// Ingestor turns broker deliveries into inbox records. A delivery is
// acknowledged once its record is stored; handling then runs through the
// processor and falls back to the sweeper on failure.
type Ingestor struct {
	service *outbox.Service
	deduper Deduper
	logger  *zap.Logger
}

// NewIngestor builds an ingestor. deduper may be nil.
func NewIngestor(service *outbox.Service, deduper Deduper, logger *zap.Logger) *Ingestor {
	return &Ingestor{service: service, deduper: deduper, logger: logger}
}

// Handle implements messaging.DeliveryHandler.
func (i *Ingestor) Handle(ctx context.Context, env messaging.Envelope) error {
	id := env.MessageID.String()
	log := i.logger.With(zap.String("message_id", id), zap.String("data_type", env.DataType))

	if i.deduper != nil {
		seen, err := i.deduper.Seen(ctx, id)
		if err != nil {
			log.Warn("dedupe cache lookup failed", zap.Error(err))
		} else if seen {
			metrics.InboxDuplicates.WithLabelValues(sourceCache).Inc()
			log.Debug("dropping redelivered message")
			return nil
		}
	}

	msg, err := i.service.AddReceivedMessage(ctx, env)
	if errors.Is(err, store.ErrDuplicateKey) {
		metrics.InboxDuplicates.WithLabelValues(sourceStore).Inc()
		log.Debug("message already stored")
		i.markSeen(ctx, id, log)
		return nil
	}
	if err != nil {
		return err
	}
	i.markSeen(ctx, id, log)

	outcome, err := i.service.Process(ctx, msg.ID, model.DeliveryInbox)
	if err != nil {
		log.Warn("inline processing failed, leaving record to the sweeper", zap.Error(err))
		return nil
	}
	log.Debug("message ingested", zap.String("outcome", string(outcome)))
	return nil
}

func (i *Ingestor) markSeen(ctx context.Context, id string, log *zap.Logger) {
	if i.deduper == nil {
		return
	}
	if err := i.deduper.MarkSeen(ctx, id); err != nil {
		log.Warn("dedupe cache update failed", zap.Error(err))
	}
}
