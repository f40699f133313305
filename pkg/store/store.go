package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/storeflow/storeflow/pkg/model"
)

var (
	ErrDuplicateKey      = errors.New("store: duplicate message id")
	ErrNotFound          = errors.New("store: message not found")
	ErrInvalidTransition = errors.New("store: invalid status transition")
	ErrNotClaimed        = errors.New("store: message not claimable")
)

// MessageStore persists StoreMessage records (PostgreSQL, in-memory, null).
type MessageStore interface {
	// Add inserts a new record. Returns ErrDuplicateKey if the ID exists.
	Add(ctx context.Context, msg *model.StoreMessage) error

	// Get reads a single record by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.StoreMessage, error)

	// GetByFilter returns every matching record ordered by created_at, then id.
	// A nil predicate matches all records.
	GetByFilter(ctx context.Context, pred Predicate, opts ...QueryOption) ([]model.StoreMessage, error)

	// UpdateStatus moves a Pending record to a terminal status and clears its
	// claim, whoever holds it.
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, processedAt *time.Time) error

	// Claim takes ownership of a Pending record until leaseUntil. retryCount is
	// the count the caller read; a record that has been attempted since is not
	// claimed and ErrNotClaimed is returned.
	Claim(ctx context.Context, id uuid.UUID, owner string, retryCount int, leaseUntil, now time.Time) (*model.StoreMessage, error)

	// Complete marks a record claimed by owner as Processed. Returns
	// ErrNotClaimed if owner no longer holds the claim.
	Complete(ctx context.Context, id uuid.UUID, owner string, processedAt time.Time) error

	// Release drops a claim held by owner without touching the status.
	Release(ctx context.Context, id uuid.UUID, owner string) error

	// RecordFailedAttempt stores the outcome of a failed dispatch.
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, attempt FailedAttempt) error

	CountByStatus(ctx context.Context) (map[model.MessageStatus]int64, error)
}

// FailedAttempt describes a failed dispatch. Status is Pending for a scheduled
// retry or Failed for a terminal failure. A non-empty Owner requires the
// record to still be claimed by it.
type FailedAttempt struct {
	Owner         string
	Status        model.MessageStatus
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
}

// Validate checks the attempt can be applied to a Pending record.
func (a FailedAttempt) Validate() error {
	if a.Status != model.StatusPending && a.Status != model.StatusFailed {
		return ErrInvalidTransition
	}
	return nil
}

type QueryOptions struct {
	Limit int
}

type QueryOption func(*QueryOptions)

// WithLimit caps the number of returned records. Zero means no limit.
func WithLimit(n int) QueryOption {
	return func(o *QueryOptions) {
		if n > 0 {
			o.Limit = n
		}
	}
}

func BuildQueryOptions(opts ...QueryOption) QueryOptions {
	var o QueryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMessage builds a Pending record with a time-ordered ID.
func NewMessage(dataType string, data []byte, deliveryType model.DeliveryType, metadata model.JSONB, now time.Time) (*model.StoreMessage, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now = Timestamp(now)
	return &model.StoreMessage{
		ID:            id,
		DataType:      dataType,
		Data:          data,
		DeliveryType:  deliveryType,
		MessageStatus: model.StatusPending,
		Metadata:      metadata,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// Timestamp normalizes a time to the precision kept by every backend.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
