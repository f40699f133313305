package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeflow/storeflow/pkg/messaging"
)

func envelope(dataType string) messaging.Envelope {
	return messaging.Envelope{MessageID: uuid.New(), DataType: dataType, Data: []byte(`{}`)}
}

func consume(t *testing.T, b *Bus, handler messaging.DeliveryHandler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, handler) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestDeliversInPublishOrder(t *testing.T) {
	b := NewBus(0)
	var mu sync.Mutex
	var got []string

	stop := consume(t, b, func(ctx context.Context, env messaging.Envelope) error {
		mu.Lock()
		got = append(got, env.DataType)
		mu.Unlock()
		return nil
	})
	defer stop()

	for _, dataType := range []string{"A", "B", "C"} {
		require.NoError(t, b.Publish(context.Background(), envelope(dataType)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, got)
	assert.Len(t, b.Published(), 3)
}

func TestRedeliversUntilLimit(t *testing.T) {
	b := NewBus(3)
	var mu sync.Mutex
	attempts := map[string]int{}

	stop := consume(t, b, func(ctx context.Context, env messaging.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[env.DataType]++
		switch env.DataType {
		case "Flaky":
			if attempts[env.DataType] < 2 {
				return errors.New("try again")
			}
			return nil
		case "Broken":
			return errors.New("always fails")
		case "Invalid":
			return messaging.Invalid("bad payload")
		}
		return nil
	})
	defer stop()

	for _, dataType := range []string{"Flaky", "Broken", "Invalid"} {
		require.NoError(t, b.Publish(context.Background(), envelope(dataType)))
	}

	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts["Flaky"])
	assert.Equal(t, 3, attempts["Broken"])
	assert.Equal(t, 1, attempts["Invalid"])
}

func TestClose(t *testing.T) {
	b := NewBus(0)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(context.Background(), func(ctx context.Context, env messaging.Envelope) error { return nil })
	}()

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on close")
	}

	require.ErrorIs(t, b.Publish(context.Background(), envelope("A")), ErrClosed)
	require.NoError(t, b.Close())
}
