package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	busmemory "github.com/storeflow/storeflow/pkg/bus/memory"
	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/metrics"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/outbox"
	"github.com/storeflow/storeflow/pkg/store/memory"
)

type harness struct {
	store    *memory.Store
	ingestor *Ingestor

	mu      sync.Mutex
	handled []string
	fail    error
}

func newHarness(t *testing.T, deduper Deduper) *harness {
	t.Helper()
	h := &harness{store: memory.NewStore()}

	handlers := messaging.NewRegistry()
	handlers.Register("OrderShipped", func(ctx context.Context, data []byte) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.fail != nil {
			return h.fail
		}
		h.handled = append(h.handled, string(data))
		return nil
	})

	processor := outbox.NewProcessor(h.store, zap.NewNop(), outbox.WithInboxHandlers(handlers))
	sweeper := outbox.NewSweeper(h.store, processor, zap.NewNop(), outbox.SweeperConfig{})
	service := outbox.NewService(h.store, sweeper, zap.NewNop())
	h.ingestor = NewIngestor(service, deduper, zap.NewNop())
	return h
}

func (h *harness) Handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

func shipped() messaging.Envelope {
	return messaging.Envelope{
		MessageID: uuid.New(),
		DataType:  "OrderShipped",
		Data:      []byte(`{"order":"o-1"}`),
		Metadata:  map[string]string{messaging.HeaderCorrelationID: "c-1"},
	}
}

func duplicates(source string) float64 {
	return testutil.ToFloat64(metrics.InboxDuplicates.WithLabelValues(source))
}

func TestHandleStoresAndProcesses(t *testing.T) {
	h := newHarness(t, nil)
	env := shipped()

	require.NoError(t, h.ingestor.Handle(context.Background(), env))

	got, err := h.store.Get(context.Background(), env.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryInbox, got.DeliveryType)
	assert.Equal(t, model.StatusProcessed, got.MessageStatus)
	assert.Equal(t, "c-1", got.Header(messaging.HeaderCorrelationID))
	assert.Equal(t, []string{`{"order":"o-1"}`}, h.Handled())
}

func TestHandleDropsRedeliveryByPrimaryKey(t *testing.T) {
	h := newHarness(t, nil)
	env := shipped()
	before := duplicates(sourceStore)

	require.NoError(t, h.ingestor.Handle(context.Background(), env))
	require.NoError(t, h.ingestor.Handle(context.Background(), env))

	assert.Len(t, h.Handled(), 1)
	assert.Equal(t, before+1, duplicates(sourceStore))
}

func TestHandleDropsRedeliveryFromCache(t *testing.T) {
	h := newHarness(t, NewMemoryDeduper(time.Minute))
	env := shipped()
	before := duplicates(sourceCache)

	require.NoError(t, h.ingestor.Handle(context.Background(), env))
	require.NoError(t, h.ingestor.Handle(context.Background(), env))

	assert.Len(t, h.Handled(), 1)
	assert.Equal(t, before+1, duplicates(sourceCache))
}

func TestHandleLeavesFailedRecordToSweeper(t *testing.T) {
	h := newHarness(t, nil)
	h.fail = errors.New("warehouse unavailable")
	env := shipped()

	require.NoError(t, h.ingestor.Handle(context.Background(), env))

	got, err := h.store.Get(context.Background(), env.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.MessageStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "warehouse unavailable")
}

func TestHandleRejectsInvalidEnvelope(t *testing.T) {
	h := newHarness(t, nil)
	env := shipped()
	env.DataType = ""

	err := h.ingestor.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, messaging.IsPermanent(err))
}

type brokenDeduper struct{}

func (brokenDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	return false, errors.New("cache down")
}

func (brokenDeduper) MarkSeen(ctx context.Context, messageID string) error {
	return errors.New("cache down")
}

func TestHandleSurvivesCacheOutage(t *testing.T) {
	h := newHarness(t, brokenDeduper{})
	env := shipped()

	require.NoError(t, h.ingestor.Handle(context.Background(), env))
	require.NoError(t, h.ingestor.Handle(context.Background(), env))
	assert.Len(t, h.Handled(), 1)
}

func TestIngestFromBus(t *testing.T) {
	h := newHarness(t, NewMemoryDeduper(time.Minute))
	bus := busmemory.NewBus(0)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Consume(ctx, h.ingestor.Handle) }()

	env := shipped()
	require.NoError(t, bus.Publish(ctx, env))
	require.NoError(t, bus.Publish(ctx, env))
	require.NoError(t, bus.Publish(ctx, shipped()))

	require.Eventually(t, func() bool {
		counts, err := h.store.CountByStatus(context.Background())
		return err == nil && counts[model.StatusProcessed] == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.Handled(), 2)
	assert.Empty(t, bus.DeadLetters())
}

func TestRedisDeduper(t *testing.T) {
	db, mock := redismock.NewClientMock()
	d := NewRedisDeduper(db, "test:", time.Hour)
	ctx := context.Background()

	mock.ExpectExists("test:m-1").SetVal(0)
	mock.ExpectSetNX("test:m-1", 1, time.Hour).SetVal(true)
	mock.ExpectExists("test:m-1").SetVal(1)
	mock.ExpectExists("test:m-2").SetErr(errors.New("connection reset"))

	seen, err := d.Seen(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, seen)
	require.NoError(t, d.MarkSeen(ctx, "m-1"))

	seen, err = d.Seen(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, seen)

	_, err = d.Seen(ctx, "m-2")
	require.Error(t, err)

	seen, err = d.Seen(ctx, "")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, d.MarkSeen(ctx, "m-1"))
	seen, _ := d.Seen(ctx, "m-1")
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = d.Seen(ctx, "m-1")
	assert.False(t, seen)
}
