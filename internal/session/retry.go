package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 250 * time.Millisecond
)

// RetryPolicy bounds retries of record and relay calls. The n-th retry waits
// n*Backoff. Exhaustion is reported as ErrPeerUnavailable.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 && p.Backoff > 0 {
			t := time.NewTimer(time.Duration(attempt) * p.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err = fn(ctx); err == nil || permanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %d attempts failed: %w", ErrPeerUnavailable, p.Attempts, err)
}

// permanent errors are answers from the other side; repeating the request
// cannot change them.
func permanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, callrecord.ErrInvalidTransition) ||
		errors.Is(err, callrecord.ErrForbidden) ||
		errors.Is(err, callrecord.ErrNotFound) ||
		errors.Is(err, callrecord.ErrInvalidRecord) ||
		errors.Is(err, callrecord.ErrPeerUnavailable) ||
		errors.Is(err, signal.ErrInvalidSignal)
}
