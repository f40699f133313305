package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/storeflow/storeflow/pkg/messaging"
)

var ErrClosed = errors.New("memory bus is closed")

const defaultMaxDeliveries = 5

type delivery struct {
	env      messaging.Envelope
	attempts int
}

// Bus is an in-process broker used by tests and single-node development. It
// implements both messaging.Publisher and messaging.Subscriber. A delivery
// whose handler keeps failing is parked after maxDeliveries attempts.
type Bus struct {
	mu            sync.Mutex
	pending       []delivery
	published     []messaging.Envelope
	dead          []messaging.Envelope
	signal        chan struct{}
	done          chan struct{}
	closed        bool
	maxDeliveries int
}

func NewBus(maxDeliveries int) *Bus {
	if maxDeliveries <= 0 {
		maxDeliveries = defaultMaxDeliveries
	}
	return &Bus{
		signal:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		maxDeliveries: maxDeliveries,
	}
}

func (b *Bus) Publish(ctx context.Context, env messaging.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published = append(b.published, env)
	b.pending = append(b.pending, delivery{env: env})
	b.mu.Unlock()

	b.notify()
	return nil
}

// Consume delivers queued envelopes to handler until ctx is cancelled or the
// bus is closed.
func (b *Bus) Consume(ctx context.Context, handler messaging.DeliveryHandler) error {
	for {
		d, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return nil
			case <-b.signal:
				continue
			}
		}

		d.attempts++
		err := handler(ctx, d.env)
		if err == nil {
			continue
		}

		b.mu.Lock()
		if messaging.IsPermanent(err) || d.attempts >= b.maxDeliveries {
			b.dead = append(b.dead, d.env)
		} else {
			b.pending = append(b.pending, d)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) next() (delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.pending) == 0 {
		return delivery{}, false
	}
	d := b.pending[0]
	b.pending = b.pending[1:]
	return d, true
}

func (b *Bus) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Published returns every envelope accepted so far, in publish order.
func (b *Bus) Published() []messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.Envelope(nil), b.published...)
}

// DeadLetters returns the envelopes that were given up on.
func (b *Bus) DeadLetters() []messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.Envelope(nil), b.dead...)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
