package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
	"github.com/storeflow/storeflow/pkg/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []messaging.Envelope
	calls     int
	failWith  func(env messaging.Envelope) error
	block     chan struct{}
}

func (p *recordingPublisher) Publish(ctx context.Context, env messaging.Envelope) error {
	p.mu.Lock()
	p.calls++
	failWith := p.failWith
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failWith != nil {
		if err := failWith(env); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.published = append(p.published, env)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *recordingPublisher) DataTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, env := range p.published {
		out = append(out, env.DataType)
	}
	return out
}

type fixture struct {
	store     *memory.Store
	clock     *fakeClock
	publisher *recordingPublisher
	inbox     *messaging.Registry
	internal  *messaging.Registry
	processor *Processor
}

func newFixture(t *testing.T, opts ...ProcessorOption) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewStore(),
		clock:     newFakeClock(),
		publisher: &recordingPublisher{},
		inbox:     messaging.NewRegistry(),
		internal:  messaging.NewRegistry(),
	}
	base := []ProcessorOption{
		WithPublisher(f.publisher),
		WithInboxHandlers(f.inbox),
		WithInternalHandlers(f.internal),
		WithClock(f.clock),
		WithOwner("relay-test"),
	}
	f.processor = NewProcessor(f.store, zap.NewNop(), append(base, opts...)...)
	return f
}

func (f *fixture) add(t *testing.T, dataType string, deliveryType model.DeliveryType) *model.StoreMessage {
	t.Helper()
	msg, err := store.NewMessage(dataType, []byte(`{"ok":true}`), deliveryType, model.JSONB{messaging.HeaderCorrelationID: "corr-1"}, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.Add(context.Background(), msg))
	return msg
}

func (f *fixture) get(t *testing.T, msg *model.StoreMessage) *model.StoreMessage {
	t.Helper()
	got, err := f.store.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	return got
}

func TestProcessOutboxSuccess(t *testing.T) {
	f := newFixture(t)
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)

	outcome, err := f.processor.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	got := f.get(t, msg)
	assert.Equal(t, model.StatusProcessed, got.MessageStatus)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(f.clock.Now()))
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ClaimedBy)

	require.Len(t, f.publisher.published, 1)
	env := f.publisher.published[0]
	assert.Equal(t, msg.ID, env.MessageID)
	assert.Equal(t, "corr-1", env.Metadata[messaging.HeaderCorrelationID])
}

func TestProcessIsIdempotentAfterSuccess(t *testing.T) {
	f := newFixture(t)
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)

	_, err := f.processor.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	before := f.get(t, msg)

	outcome, err := f.processor.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)
	assert.Equal(t, 1, f.publisher.Calls())

	after := f.get(t, msg)
	assert.Equal(t, before.MessageStatus, after.MessageStatus)
	assert.True(t, before.ProcessedAt.Equal(*after.ProcessedAt))
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t)
	f.publisher.failWith = func(messaging.Envelope) error { return errors.New("connection refused") }
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)
	ctx := context.Background()

	outcome, err := f.processor.Process(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, outcome)
	got := f.get(t, msg)
	assert.Equal(t, model.StatusPending, got.MessageStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextAttemptAt.Equal(f.clock.Now().Add(200*time.Millisecond)))
	assert.Equal(t, "connection refused", got.LastError)

	f.clock.Advance(time.Second)
	outcome, err = f.processor.Process(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, outcome)
	got = f.get(t, msg)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, got.NextAttemptAt.Equal(f.clock.Now().Add(400*time.Millisecond)))

	f.clock.Advance(time.Second)
	outcome, err = f.processor.Process(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	got = f.get(t, msg)
	assert.Equal(t, model.StatusFailed, got.MessageStatus)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.ProcessedAt)

	outcome, err = f.processor.Process(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 3, f.publisher.Calls())
}

func TestLastRetryBoundary(t *testing.T) {
	f := newFixture(t, WithRetryPolicy(RetryPolicy{MaxRetries: 5}))
	f.publisher.failWith = func(messaging.Envelope) error { return errors.New("timeout") }
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)
	require.NoError(t, f.store.RecordFailedAttempt(context.Background(), msg.ID, store.FailedAttempt{
		Status: model.StatusPending, RetryCount: 4, NextAttemptAt: f.clock.Now(),
	}))

	outcome, err := f.processor.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := f.get(t, msg)
	assert.Equal(t, model.StatusFailed, got.MessageStatus)
	assert.Equal(t, 5, got.RetryCount)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.publisher.failWith = func(messaging.Envelope) error {
		return messaging.Invalid("payload exceeds broker limit")
	}
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)

	outcome, err := f.processor.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := f.get(t, msg)
	assert.Equal(t, model.StatusFailed, got.MessageStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "payload exceeds broker limit")
	assert.Equal(t, 1, f.publisher.Calls())
}

func TestInboxAndInternalDispatch(t *testing.T) {
	f := newFixture(t)
	var inboxData, internalData []byte
	f.inbox.Register("OrderShipped", func(ctx context.Context, data []byte) error {
		inboxData = data
		return nil
	})
	f.internal.Register("RecalculateStock", func(ctx context.Context, data []byte) error {
		internalData = data
		return nil
	})

	received := f.add(t, "OrderShipped", model.DeliveryInbox)
	command := f.add(t, "RecalculateStock", model.DeliveryInternal)

	outcome, err := f.processor.Process(context.Background(), received.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	outcome, err = f.processor.Process(context.Background(), command.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	assert.JSONEq(t, `{"ok":true}`, string(inboxData))
	assert.JSONEq(t, `{"ok":true}`, string(internalData))
	assert.Zero(t, f.publisher.Calls(), "inbox and internal records never reach the broker")
}

func TestMissingHandlerFailsPermanently(t *testing.T) {
	f := newFixture(t)
	msg := f.add(t, "Unregistered", model.DeliveryInternal)

	outcome, err := f.processor.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := f.get(t, msg)
	assert.Equal(t, model.StatusFailed, got.MessageStatus)
	assert.Equal(t, 1, got.RetryCount)
}

func TestHandlerPanicIsTransient(t *testing.T) {
	f := newFixture(t)
	f.inbox.Register("Explodes", func(ctx context.Context, data []byte) error {
		panic("nil map")
	})
	msg := f.add(t, "Explodes", model.DeliveryInbox)

	outcome, err := f.processor.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, outcome)
	assert.Contains(t, f.get(t, msg).LastError, "handler panic")
}

func TestCancellationLeavesRecordPending(t *testing.T) {
	f := newFixture(t)
	f.publisher.block = make(chan struct{})
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.processor.Process(ctx, msg.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.publisher.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("processor did not return after cancellation")
	}

	got := f.get(t, msg)
	assert.Equal(t, model.StatusPending, got.MessageStatus)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedUntil)
}

func TestConcurrentProcessorsDispatchOnce(t *testing.T) {
	f := newFixture(t)
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)
	other := NewProcessor(f.store, zap.NewNop(),
		WithPublisher(f.publisher), WithClock(f.clock), WithOwner("relay-other"))

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 20)
	for i := 0; i < 20; i++ {
		p := f.processor
		if i%2 == 1 {
			p = other
		}
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			outcome, err := p.Process(context.Background(), msg.ID)
			assert.NoError(t, err)
			outcomes <- outcome
		}(p)
	}
	wg.Wait()
	close(outcomes)

	processed := 0
	for outcome := range outcomes {
		if outcome == OutcomeProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, f.publisher.Calls())
	assert.Equal(t, model.StatusProcessed, f.get(t, msg).MessageStatus)
}

func TestProcessMissingRecord(t *testing.T) {
	f := newFixture(t)
	msg, err := store.NewMessage("Ghost", []byte(`{}`), model.DeliveryOutbox, nil, f.clock.Now())
	require.NoError(t, err)

	_, err = f.processor.Process(context.Background(), msg.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStaleSnapshotWaitsForBackoff(t *testing.T) {
	f := newFixture(t)
	f.publisher.failWith = func(messaging.Envelope) error { return errors.New("channel closed") }
	msg := f.add(t, "ProductCreated", model.DeliveryOutbox)
	ctx := context.Background()

	// two sweeps read the record while it was due
	snapshot := f.get(t, msg)

	outcome, err := f.processor.process(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetrying, outcome)

	outcome, err = f.processor.process(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	got := f.get(t, msg)
	assert.Equal(t, 1, f.publisher.Calls())
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextAttemptAt.After(f.clock.Now()))
}

func TestOutcomeDroppedAfterLeaseLost(t *testing.T) {
	tests := []struct {
		name       string
		publishErr error
	}{
		{"publish succeeded", nil},
		{"publish failed", errors.New("timeout")},
		{"publish rejected", messaging.Invalid("payload too large")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithLeaseTTL(time.Second))
			msg := f.add(t, "ProductCreated", model.DeliveryOutbox)
			f.publisher.failWith = func(messaging.Envelope) error {
				f.clock.Advance(2 * time.Second)
				_, err := f.store.Claim(context.Background(), msg.ID, "relay-other", 0, f.clock.Now().Add(time.Minute), f.clock.Now())
				require.NoError(t, err)
				return tt.publishErr
			}

			outcome, err := f.processor.Process(context.Background(), msg.ID)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, outcome)

			got := f.get(t, msg)
			assert.Equal(t, model.StatusPending, got.MessageStatus)
			assert.Equal(t, 0, got.RetryCount)
			assert.Equal(t, "relay-other", got.ClaimedBy)
			assert.Empty(t, got.LastError)
		})
	}
}
