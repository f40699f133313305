package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
)

const defaultLimit = 50

type MessageHandler struct {
	store  store.MessageStore
	logger *zap.Logger
}

func NewMessageHandler(st store.MessageStore, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{store: st, logger: logger}
}

type messageResponse struct {
	ID            string      `json:"id"`
	DataType      string      `json:"data_type"`
	DeliveryType  string      `json:"delivery_type"`
	Status        string      `json:"status"`
	RetryCount    int         `json:"retry_count"`
	CreatedAt     string      `json:"created_at"`
	NextAttemptAt *string     `json:"next_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	Metadata      model.JSONB `json:"metadata,omitempty"`
}

type failedListResponse struct {
	Messages   []messageResponse `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ListFailed pages through Failed records in creation order. The cursor is
// the id of the last record of the previous page.
func (h *MessageHandler) ListFailed(c *gin.Context) {
	ctx := c.Request.Context()
	limit := parseLimit(c.Query("limit"), defaultLimit)

	preds := []store.Predicate{store.Eq(store.FieldMessageStatus, model.StatusFailed)}

	if value := c.Query("delivery_type"); value != "" {
		deliveryType := model.DeliveryType(value)
		if !deliveryType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delivery_type"})
			return
		}
		preds = append(preds, store.Eq(store.FieldDeliveryType, deliveryType))
	}

	if value := c.Query("cursor"); value != "" {
		id, err := uuid.Parse(value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		last, err := h.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown cursor"})
			return
		}
		if err != nil {
			h.logger.Error("failed to resolve cursor", zap.String("cursor", value), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		preds = append(preds, store.After(last.CreatedAt, last.ID))
	}

	// one extra row tells whether another page exists
	records, err := h.store.GetByFilter(ctx, store.And(preds...), store.WithLimit(limit+1))
	if err != nil {
		h.logger.Error("failed to list failed messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	response := failedListResponse{Messages: make([]messageResponse, 0, len(records))}
	if len(records) > limit {
		records = records[:limit]
		response.NextCursor = records[limit-1].ID.String()
	}
	for i := range records {
		response.Messages = append(response.Messages, toMessageResponse(&records[i]))
	}

	c.JSON(http.StatusOK, response)
}

func toMessageResponse(msg *model.StoreMessage) messageResponse {
	next := msg.NextAttemptAt
	return messageResponse{
		ID:            msg.ID.String(),
		DataType:      msg.DataType,
		DeliveryType:  string(msg.DeliveryType),
		Status:        string(msg.MessageStatus),
		RetryCount:    msg.RetryCount,
		CreatedAt:     *formatTime(&msg.CreatedAt),
		NextAttemptAt: formatTime(&next),
		LastError:     msg.LastError,
		Metadata:      msg.Metadata,
	}
}
