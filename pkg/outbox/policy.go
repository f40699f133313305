package outbox

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/storeflow/storeflow/pkg/messaging"
	"github.com/storeflow/storeflow/pkg/model"
	"github.com/storeflow/storeflow/pkg/store"
)

const maxLastErrorLen = 2000

// RetryPolicy governs failed dispatches. Delays grow exponentially from
// InitialBackoff, doubling per retry, and never exceed MaxBackoff.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Hour,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// Backoff returns the delay before the attempt that follows the given
// number of failures (1-based).
func (p RetryPolicy) Backoff(failures int) time.Duration {
	p = p.withDefaults()
	if failures < 1 {
		failures = 1
	}

	b := retry.WithCappedDuration(p.MaxBackoff, retry.NewExponential(p.InitialBackoff))
	var delay time.Duration
	for i := 0; i < failures; i++ {
		delay, _ = b.Next()
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// Retryable reports whether err may be retried at all.
func (p RetryPolicy) Retryable(err error) bool {
	return err != nil && !messaging.IsPermanent(err)
}

// FailedAttempt decides what happens to a Pending record whose dispatch
// failed with err after retryCount earlier failures.
func (p RetryPolicy) FailedAttempt(retryCount int, err error, now time.Time) store.FailedAttempt {
	p = p.withDefaults()
	next := retryCount + 1

	attempt := store.FailedAttempt{
		Status:        model.StatusFailed,
		RetryCount:    next,
		NextAttemptAt: now,
		LastError:     truncate(err.Error(), maxLastErrorLen),
	}
	if p.Retryable(err) && next < p.MaxRetries {
		attempt.Status = model.StatusPending
		attempt.NextAttemptAt = now.Add(p.Backoff(next))
	}
	return attempt
}

// truncate cuts s to at most n bytes of valid UTF-8; text columns reject
// partial runes.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
