package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
)

type MessageRepository struct {
	db            *gorm.DB
	notifyChannel string
}

var _ store.MessageStore = (*MessageRepository)(nil)

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// WithNotify makes Add issue pg_notify on channel. Inside a transaction the
// notification is delivered on commit.
func (r *MessageRepository) WithNotify(channel string) *MessageRepository {
	return &MessageRepository{db: r.db, notifyChannel: channel}
}

// WithTx binds the repository to a caller transaction.
func (r *MessageRepository) WithTx(tx *gorm.DB) *MessageRepository {
	return &MessageRepository{db: tx, notifyChannel: r.notifyChannel}
}

func (r *MessageRepository) Add(ctx context.Context, msg *model.StoreMessage) error {
	msg.CreatedAt = store.Timestamp(msg.CreatedAt)
	msg.NextAttemptAt = store.Timestamp(msg.NextAttemptAt)

	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		if isDuplicateKey(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("insert store message: %w", err)
	}

	if r.notifyChannel != "" {
		if err := r.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", r.notifyChannel, msg.ID.String()).Error; err != nil {
			return fmt.Errorf("notify %s: %w", r.notifyChannel, err)
		}
	}
	return nil
}

func (r *MessageRepository) Get(ctx context.Context, id uuid.UUID) (*model.StoreMessage, error) {
	var msg model.StoreMessage
	err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *MessageRepository) GetByFilter(ctx context.Context, pred store.Predicate, opts ...store.QueryOption) ([]model.StoreMessage, error) {
	options := store.BuildQueryOptions(opts...)

	query := r.db.WithContext(ctx).Model(&model.StoreMessage{})
	if pred != nil {
		query = query.Clauses(clause.Where{Exprs: []clause.Expression{pred.Expression()}})
	}
	query = query.Order("created_at ASC").Order("id ASC")
	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}

	messages := make([]model.StoreMessage, 0)
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, processedAt *time.Time) error {
	if !model.CanTransition(model.StatusPending, status) {
		return store.ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"message_status": string(status),
		"processed_at":   nil,
		"claimed_by":     "",
		"claimed_until":  nil,
	}
	if status == model.StatusProcessed {
		at := time.Now()
		if processedAt != nil {
			at = *processedAt
		}
		updates["processed_at"] = store.Timestamp(at)
	}

	result := r.pending(ctx, id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOr(ctx, id, store.ErrInvalidTransition)
	}
	return nil
}

func (r *MessageRepository) Claim(ctx context.Context, id uuid.UUID, owner string, retryCount int, leaseUntil, now time.Time) (*model.StoreMessage, error) {
	result := r.pending(ctx, id).
		Where("retry_count = ?", retryCount).
		Where("(claimed_until IS NULL OR claimed_until <= ?)", store.Timestamp(now)).
		Updates(map[string]interface{}{
			"claimed_by":    owner,
			"claimed_until": store.Timestamp(leaseUntil),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, r.missingOr(ctx, id, store.ErrNotClaimed)
	}
	return r.Get(ctx, id)
}

func (r *MessageRepository) Complete(ctx context.Context, id uuid.UUID, owner string, processedAt time.Time) error {
	result := r.pending(ctx, id).
		Where("claimed_by = ?", owner).
		Updates(map[string]interface{}{
			"message_status": string(model.StatusProcessed),
			"processed_at":   store.Timestamp(processedAt),
			"claimed_by":     "",
			"claimed_until":  nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOr(ctx, id, store.ErrNotClaimed)
	}
	return nil
}

func (r *MessageRepository) Release(ctx context.Context, id uuid.UUID, owner string) error {
	result := r.db.WithContext(ctx).
		Model(&model.StoreMessage{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		Updates(map[string]interface{}{
			"claimed_by":    "",
			"claimed_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOr(ctx, id, nil)
	}
	return nil
}

func (r *MessageRepository) RecordFailedAttempt(ctx context.Context, id uuid.UUID, attempt store.FailedAttempt) error {
	if err := attempt.Validate(); err != nil {
		return err
	}

	query := r.pending(ctx, id)
	notApplied := store.ErrInvalidTransition
	if attempt.Owner != "" {
		query = query.Where("claimed_by = ?", attempt.Owner)
		notApplied = store.ErrNotClaimed
	}

	result := query.Updates(map[string]interface{}{
		"message_status":  string(attempt.Status),
		"retry_count":     attempt.RetryCount,
		"next_attempt_at": store.Timestamp(attempt.NextAttemptAt),
		"last_error":      attempt.LastError,
		"claimed_by":      "",
		"claimed_until":   nil,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOr(ctx, id, notApplied)
	}
	return nil
}

func (r *MessageRepository) CountByStatus(ctx context.Context) (map[model.MessageStatus]int64, error) {
	var rows []struct {
		MessageStatus string
		Total         int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.StoreMessage{}).
		Select("message_status, COUNT(*) AS total").
		Group("message_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.MessageStatus]int64, len(rows))
	for _, row := range rows {
		counts[model.MessageStatus(row.MessageStatus)] = row.Total
	}
	return counts, nil
}

func (r *MessageRepository) pending(ctx context.Context, id uuid.UUID) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.StoreMessage{}).
		Where("id = ? AND message_status = ?", id, string(model.StatusPending))
}

// missingOr resolves a conditional update that touched no rows.
func (r *MessageRepository) missingOr(ctx context.Context, id uuid.UUID, err error) error {
	var count int64
	if lookupErr := r.db.WithContext(ctx).Model(&model.StoreMessage{}).Where("id = ?", id).Count(&count).Error; lookupErr != nil {
		return lookupErr
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return err
}
