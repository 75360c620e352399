package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     10 * time.Second,
		CallTimeout:    30 * time.Second,
	}
}

// ExternalDispatchError is one alert whose ticket could not be created within
// the retry budget.
type ExternalDispatchError struct {
	ContentHash string
	Attempts    int
	Err         error
}

func (e *ExternalDispatchError) Error() string {
	return fmt.Sprintf("dispatch of alert %s failed after %d attempt(s): %v", e.ContentHash, e.Attempts, e.Err)
}

func (e *ExternalDispatchError) Unwrap() error { return e.Err }

func (e *ExternalDispatchError) Code() string { return "external_dispatch_failed" }

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (p RetryPolicy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout > 0 {
		return context.WithTimeout(ctx, p.CallTimeout)
	}
	return ctx, func() {}
}

// createTicket calls the tracker with a per-call timeout and bounded
// exponential backoff. Client errors other than 429 are not retried.
func createTicket(ctx context.Context, tracker Tracker, p TicketPayload, policy RetryPolicy) (string, int, error) {
	var (
		id       string
		attempts int
	)
	op := func() error {
		attempts++
		callCtx, cancel := policy.callContext(ctx)
		defer cancel()
		var err error
		id, err = tracker.CreateTicket(callCtx, p)
		if err == nil {
			return nil
		}
		var te *TrackerError
		if errors.As(err, &te) && !te.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, policy.backOff(ctx)); err != nil {
		return "", attempts, err
	}
	return id, attempts, nil
}
