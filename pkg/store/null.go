package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/storeflow/storeflow/pkg/model"
)

// Null is a MessageStore that performs no I/O. Writes succeed and are
// dropped; reads return empty, non-nil results.
type Null struct{}

var _ MessageStore = Null{}

func (Null) Add(context.Context, *model.StoreMessage) error {
	return nil
}

func (Null) Get(context.Context, uuid.UUID) (*model.StoreMessage, error) {
	return nil, ErrNotFound
}

func (Null) GetByFilter(context.Context, Predicate, ...QueryOption) ([]model.StoreMessage, error) {
	return []model.StoreMessage{}, nil
}

func (Null) UpdateStatus(context.Context, uuid.UUID, model.MessageStatus, *time.Time) error {
	return nil
}

func (Null) Claim(context.Context, uuid.UUID, string, int, time.Time, time.Time) (*model.StoreMessage, error) {
	return nil, ErrNotClaimed
}

func (Null) Complete(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}

func (Null) Release(context.Context, uuid.UUID, string) error {
	return nil
}

func (Null) RecordFailedAttempt(context.Context, uuid.UUID, FailedAttempt) error {
	return nil
}

func (Null) CountByStatus(context.Context) (map[model.MessageStatus]int64, error) {
	return map[model.MessageStatus]int64{}, nil
}
