package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/metrics"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
)

type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeRetrying         Outcome = "retrying"
	OutcomeFailed           Outcome = "failed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeSkipped          Outcome = "skipped"
)

const defaultLeaseTTL = 30 * time.Second

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Processor runs the per-record state machine: claim, dispatch by delivery
// type, then record success or a failed attempt.
type Processor struct {
	store     store.MessageStore
	publisher messaging.Publisher
	inbox     *messaging.Registry
	internal  *messaging.Registry
	policy    RetryPolicy
	owner     string
	leaseTTL  time.Duration
	clock     Clock
	logger    *zap.Logger
}

type ProcessorOption func(*Processor)

func WithPublisher(publisher messaging.Publisher) ProcessorOption {
	return func(p *Processor) { p.publisher = publisher }
}

// WithInboxHandlers sets the handlers for received messages.
func WithInboxHandlers(registry *messaging.Registry) ProcessorOption {
	return func(p *Processor) { p.inbox = registry }
}

// WithInternalHandlers sets the handlers for internal commands and notifications.
func WithInternalHandlers(registry *messaging.Registry) ProcessorOption {
	return func(p *Processor) { p.internal = registry }
}

func WithRetryPolicy(policy RetryPolicy) ProcessorOption {
	return func(p *Processor) { p.policy = policy.withDefaults() }
}

// WithOwner sets the claim token written to claimed records.
func WithOwner(owner string) ProcessorOption {
	return func(p *Processor) {
		if owner != "" {
			p.owner = owner
		}
	}
}

func WithLeaseTTL(ttl time.Duration) ProcessorOption {
	return func(p *Processor) {
		if ttl > 0 {
			p.leaseTTL = ttl
		}
	}
}

func WithClock(clock Clock) ProcessorOption {
	return func(p *Processor) { p.clock = clock }
}

func NewProcessor(st store.MessageStore, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    st,
		inbox:    messaging.NewRegistry(),
		internal: messaging.NewRegistry(),
		policy:   DefaultRetryPolicy(),
		owner:    defaultOwner(),
		leaseTTL: defaultLeaseTTL,
		clock:    systemClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "storeflow"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (p *Processor) Owner() string {
	return p.owner
}

// Process drives one record through a single processing attempt. Transient
// and permanent dispatch failures are recorded on the record and reported
// through the outcome; the error is reserved for store failures and
// cancellation.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) (Outcome, error) {
	msg, err := p.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load message %s: %w", id, err)
	}
	return p.process(ctx, msg)
}

func (p *Processor) process(ctx context.Context, msg *model.StoreMessage) (Outcome, error) {
	switch msg.MessageStatus {
	case model.StatusProcessed:
		return OutcomeAlreadyProcessed, nil
	case model.StatusFailed:
		return OutcomeSkipped, nil
	}

	now := p.clock.Now()
	claimed, err := p.store.Claim(ctx, msg.ID, p.owner, msg.RetryCount, now.Add(p.leaseTTL), now)
	if errors.Is(err, store.ErrNotClaimed) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim message %s: %w", msg.ID, err)
	}

	// Bookkeeping after dispatch must land even if ctx is cancelled meanwhile.
	bookkeeping := context.WithoutCancel(ctx)

	start := time.Now()
	dispatchErr := p.dispatch(ctx, claimed)
	metrics.DispatchDuration.WithLabelValues(string(claimed.DeliveryType)).Observe(time.Since(start).Seconds())

	if dispatchErr == nil {
		err := p.store.Complete(bookkeeping, claimed.ID, p.owner, p.clock.Now())
		if errors.Is(err, store.ErrNotClaimed) {
			p.lostClaim(claimed, nil)
			return OutcomeSkipped, nil
		}
		if err != nil {
			return "", fmt.Errorf("mark message %s processed: %w", claimed.ID, err)
		}
		p.observe(claimed, OutcomeProcessed)
		return OutcomeProcessed, nil
	}

	if ctx.Err() != nil && !messaging.IsPermanent(dispatchErr) {
		if err := p.store.Release(bookkeeping, claimed.ID, p.owner); err != nil {
			p.logger.Warn("failed to release claim", zap.String("message_id", claimed.ID.String()), zap.Error(err))
		}
		return "", ctx.Err()
	}

	attempt := p.policy.FailedAttempt(claimed.RetryCount, dispatchErr, p.clock.Now())
	attempt.Owner = p.owner
	err = p.store.RecordFailedAttempt(bookkeeping, claimed.ID, attempt)
	if errors.Is(err, store.ErrNotClaimed) {
		p.lostClaim(claimed, dispatchErr)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("record failed attempt for %s: %w", claimed.ID, err)
	}

	fields := []zap.Field{
		zap.String("message_id", claimed.ID.String()),
		zap.String("data_type", claimed.DataType),
		zap.String("delivery_type", string(claimed.DeliveryType)),
		zap.Int("retry_count", attempt.RetryCount),
		zap.Error(dispatchErr),
	}
	if attempt.Status == model.StatusPending {
		p.logger.Warn("message dispatch failed, retry scheduled", append(fields, zap.Time("next_attempt_at", attempt.NextAttemptAt))...)
		metrics.DispatchRetries.WithLabelValues(string(claimed.DeliveryType)).Inc()
		p.observe(claimed, OutcomeRetrying)
		return OutcomeRetrying, nil
	}

	p.logger.Error("message dispatch failed permanently", append(fields, zap.Bool("permanent", messaging.IsPermanent(dispatchErr)))...)
	p.observe(claimed, OutcomeFailed)
	return OutcomeFailed, nil
}

func (p *Processor) dispatch(ctx context.Context, msg *model.StoreMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch msg.DeliveryType {
	case model.DeliveryOutbox:
		if p.publisher == nil {
			return messaging.Permanent(errors.New("no publisher configured"))
		}
		return p.publisher.Publish(ctx, messaging.EnvelopeFrom(msg))
	case model.DeliveryInbox:
		return p.inbox.Dispatch(ctx, msg.DataType, msg.Data)
	case model.DeliveryInternal:
		return p.internal.Dispatch(ctx, msg.DataType, msg.Data)
	default:
		return messaging.Invalid("unknown delivery type %q", msg.DeliveryType)
	}
}

// lostClaim reports a dispatch whose lease ran out before its outcome was
// written. The current claim holder owns the record's state.
func (p *Processor) lostClaim(msg *model.StoreMessage, dispatchErr error) {
	p.logger.Warn("claim lost before outcome was recorded",
		zap.String("message_id", msg.ID.String()),
		zap.String("data_type", msg.DataType),
		zap.Duration("lease_ttl", p.leaseTTL),
		zap.NamedError("dispatch_error", dispatchErr),
	)
	p.observe(msg, OutcomeSkipped)
}

func (p *Processor) observe(msg *model.StoreMessage, outcome Outcome) {
	metrics.DispatchTotal.WithLabelValues(string(msg.DeliveryType), string(outcome)).Inc()
}
