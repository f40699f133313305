package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storeflow/storeflow/pkg/metrics"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
)

var ErrDeliveryTypeMismatch = errors.New("delivery type mismatch")

// SweepResult summarizes one ProcessAll run.
type SweepResult struct {
	Scanned          int
	Processed        int
	Retrying         int
	Failed           int
	AlreadyProcessed int
	Skipped          int
	Errors           int
	Duration         time.Duration
}

func (r *SweepResult) add(outcome Outcome, err error) {
	if err != nil {
		r.Errors++
		return
	}
	switch outcome {
	case OutcomeProcessed:
		r.Processed++
	case OutcomeRetrying:
		r.Retrying++
	case OutcomeFailed:
		r.Failed++
	case OutcomeAlreadyProcessed:
		r.AlreadyProcessed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

type SweeperConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	// DeliveryTypes limits sweeps to records of these types. Empty means all.
	DeliveryTypes []model.DeliveryType
}

// Sweeper feeds due Pending records to the processor in creation order.
type Sweeper struct {
	store        store.MessageStore
	processor    *Processor
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	only         store.Predicate
}

func NewSweeper(st store.MessageStore, processor *Processor, logger *zap.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	var only store.Predicate
	if len(cfg.DeliveryTypes) > 0 {
		values := make([]interface{}, len(cfg.DeliveryTypes))
		for i, deliveryType := range cfg.DeliveryTypes {
			values[i] = deliveryType
		}
		only = store.In(store.FieldDeliveryType, values...)
	}
	return &Sweeper{
		store:        st,
		processor:    processor,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
		only:         only,
	}
}

// Run sweeps on every tick and whenever wake fires. wake may be nil.
func (s *Sweeper) Run(ctx context.Context, wake <-chan struct{}) error {
	s.logger.Info("message sweeper starting",
		zap.Duration("poll_interval", s.pollInterval),
		zap.Int("batch_size", s.batchSize),
		zap.Int("concurrency", s.concurrency),
		zap.String("owner", s.processor.Owner()),
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("message sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		case <-wake:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.ProcessAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("sweep aborted", zap.Error(err))
	}
	if result.Scanned > 0 {
		s.logger.Info("sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("processed", result.Processed),
			zap.Int("retrying", result.Retrying),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped+result.AlreadyProcessed),
			zap.Int("errors", result.Errors),
			zap.Duration("duration", result.Duration),
		)
	}
}

// ProcessAll processes every record that is Pending and due at the moment
// the sweep starts. Records created or rescheduled after that instant wait
// for the next sweep. A failing record never stops the sweep; only store
// read errors and cancellation end it early.
func (s *Sweeper) ProcessAll(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := s.processor.clock.Now()

	due := store.And(
		store.Eq(store.FieldMessageStatus, model.StatusPending),
		store.Lte(store.FieldNextAttemptAt, now),
		store.Lte(store.FieldCreatedAt, now),
	)
	if s.only != nil {
		due = store.And(due, s.only)
	}

	var (
		result SweepResult
		mu     sync.Mutex
		g      errgroup.Group
		cursor store.Predicate
		runErr error
	)
	g.SetLimit(s.concurrency)

pages:
	for {
		pred := due
		if cursor != nil {
			pred = store.And(due, cursor)
		}

		page, err := s.store.GetByFilter(ctx, pred, store.WithLimit(s.batchSize))
		if err != nil {
			runErr = fmt.Errorf("list due messages: %w", err)
			break
		}

		for i := range page {
			if ctx.Err() != nil {
				break pages
			}
			msg := page[i]
			mu.Lock()
			result.Scanned++
			mu.Unlock()

			g.Go(func() error {
				outcome, err := s.processor.process(ctx, &msg)
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("failed to process message", zap.String("message_id", msg.ID.String()), zap.Error(err))
				}
				mu.Lock()
				result.add(outcome, err)
				mu.Unlock()
				return nil
			})
		}

		if len(page) < s.batchSize {
			break
		}
		last := page[len(page)-1]
		cursor = store.After(last.CreatedAt, last.ID)
	}

	_ = g.Wait()
	result.Duration = time.Since(start)
	metrics.SweepDuration.Observe(result.Duration.Seconds())

	if runErr == nil {
		runErr = ctx.Err()
	}
	return result, runErr
}

// ProcessOne processes a single record on demand, regardless of its next
// attempt time. The record must have the expected delivery type.
func (s *Sweeper) ProcessOne(ctx context.Context, id uuid.UUID, deliveryType model.DeliveryType) (Outcome, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load message %s: %w", id, err)
	}
	if msg.DeliveryType != deliveryType {
		return "", fmt.Errorf("%w: message %s is %s, not %s", ErrDeliveryTypeMismatch, id, msg.DeliveryType, deliveryType)
	}
	return s.processor.process(ctx, msg)
}
