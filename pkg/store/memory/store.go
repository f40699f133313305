package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
)

// Store keeps records in process memory. It serializes claims with a mutex,
// so it only coordinates processors that share the same process.
type Store struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*model.StoreMessage
}

var _ store.MessageStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{messages: make(map[uuid.UUID]*model.StoreMessage)}
}

func (s *Store) Add(ctx context.Context, msg *model.StoreMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return store.ErrDuplicateKey
	}
	stored := clone(msg)
	stored.CreatedAt = store.Timestamp(stored.CreatedAt)
	stored.NextAttemptAt = store.Timestamp(stored.NextAttemptAt)
	s.messages[msg.ID] = stored
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.StoreMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(msg), nil
}

func (s *Store) GetByFilter(ctx context.Context, pred store.Predicate, opts ...store.QueryOption) ([]model.StoreMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := store.BuildQueryOptions(opts...)

	s.mu.RLock()
	result := make([]model.StoreMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if pred == nil || pred.Match(msg) {
			result = append(result, *clone(msg))
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})

	if options.Limit > 0 && len(result) > options.Limit {
		result = result[:options.Limit]
	}
	return result, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, processedAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if !model.CanTransition(msg.MessageStatus, status) {
		return store.ErrInvalidTransition
	}

	msg.MessageStatus = status
	msg.ProcessedAt = nil
	if status == model.StatusProcessed {
		at := time.Now()
		if processedAt != nil {
			at = *processedAt
		}
		at = store.Timestamp(at)
		msg.ProcessedAt = &at
	}
	msg.ClaimedBy = ""
	msg.ClaimedUntil = nil
	return nil
}

func (s *Store) Claim(ctx context.Context, id uuid.UUID, owner string, retryCount int, leaseUntil, now time.Time) (*model.StoreMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if msg.MessageStatus != model.StatusPending || msg.RetryCount != retryCount || !msg.Claimable(now) {
		return nil, store.ErrNotClaimed
	}

	until := store.Timestamp(leaseUntil)
	msg.ClaimedBy = owner
	msg.ClaimedUntil = &until
	return clone(msg), nil
}

func (s *Store) Complete(ctx context.Context, id uuid.UUID, owner string, processedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if msg.MessageStatus != model.StatusPending || msg.ClaimedBy != owner {
		return store.ErrNotClaimed
	}

	at := store.Timestamp(processedAt)
	msg.MessageStatus = model.StatusProcessed
	msg.ProcessedAt = &at
	msg.ClaimedBy = ""
	msg.ClaimedUntil = nil
	return nil
}

func (s *Store) Release(ctx context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if msg.ClaimedBy == owner {
		msg.ClaimedBy = ""
		msg.ClaimedUntil = nil
	}
	return nil
}

func (s *Store) RecordFailedAttempt(ctx context.Context, id uuid.UUID, attempt store.FailedAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := attempt.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if attempt.Owner != "" && (msg.MessageStatus != model.StatusPending || msg.ClaimedBy != attempt.Owner) {
		return store.ErrNotClaimed
	}
	if msg.MessageStatus != model.StatusPending {
		return store.ErrInvalidTransition
	}

	msg.MessageStatus = attempt.Status
	msg.RetryCount = attempt.RetryCount
	msg.NextAttemptAt = store.Timestamp(attempt.NextAttemptAt)
	msg.LastError = attempt.LastError
	msg.ClaimedBy = ""
	msg.ClaimedUntil = nil
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[model.MessageStatus]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.MessageStatus]int64)
	for _, msg := range s.messages {
		counts[msg.MessageStatus]++
	}
	return counts, nil
}

func clone(msg *model.StoreMessage) *model.StoreMessage {
	out := *msg
	out.Data = append([]byte(nil), msg.Data...)
	out.Metadata = maps.Clone(msg.Metadata)
	if msg.ProcessedAt != nil {
		at := *msg.ProcessedAt
		out.ProcessedAt = &at
	}
	if msg.ClaimedUntil != nil {
		until := *msg.ClaimedUntil
		out.ClaimedUntil = &until
	}
	return &out
}
