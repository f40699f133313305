package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const listenerPingInterval = 90 * time.Second

// Notifier listens on a Postgres channel and turns notifications into
// wake-ups for the sweeper.
type Notifier struct {
	listener *pq.Listener
	channel  string
	logger   *zap.Logger
}

func NewNotifier(dsn, channel string, logger *zap.Logger) (*Notifier, error) {
	if channel == "" {
		return nil, fmt.Errorf("notify channel is required")
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", zap.Int("event", int(event)), zap.Error(err))
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	return &Notifier{listener: listener, channel: channel, logger: logger}, nil
}

// Wake returns a channel that receives a value after one or more
// notifications. Bursts collapse into a single wake-up.
func (n *Notifier) Wake(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	go func() {
		ticker := time.NewTicker(listenerPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-n.listener.Notify:
				if !ok {
					return
				}
				// a nil notification means the connection was re-established
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-ticker.C:
				if err := n.listener.Ping(); err != nil {
					n.logger.Warn("postgres listener ping failed", zap.String("channel", n.channel), zap.Error(err))
				}
			}
		}
	}()

	return wake
}

func (n *Notifier) Close() error {
	return n.listener.Close()
}
