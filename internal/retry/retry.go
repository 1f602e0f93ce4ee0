// Package retry implements the gateway's differentiated retry model: errors
// from downstream dependencies are classified as client, transient or
// unknown, and retried under an exponential backoff curve whose attempt
// budget depends on the invocation mode. Synchronous (HTTP) invocations get
// a bounded budget to keep caller latency finite; asynchronous (Kafka)
// invocations retry forever since the source can tolerate redelivery.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Policy describes one dependency's backoff curve and attempt budget. Each
// downstream dependency carries its own Policy instance so a broken
// dependency cannot exhaust another's budget.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// MaxAttempts bounds the total number of attempts. Ignored when
	// Unbounded is set.
	MaxAttempts int
	// Unbounded retries forever with the same backoff curve.
	Unbounded bool
	// JitterFactor randomizes each delay by ±factor to avoid retry storms
	// against a recovering dependency. Zero disables jitter.
	JitterFactor float64
}

// DefaultPolicy mirrors the gateway's stock curve: 5s initial delay growing
// 1.25x per attempt up to 5 minutes, 5 attempts when bounded.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 5 * time.Second,
		Multiplier:      1.25,
		MaxInterval:     5 * time.Minute,
		MaxAttempts:     5,
		JitterFactor:    0.2,
	}
}

// Backoff computes the delay before the given retry. The first retry is
// attempt 1.
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxInterval) {
			d = float64(p.MaxInterval)
			break
		}
	}
	if p.JitterFactor > 0 {
		d *= 1 + p.JitterFactor*(2*rand.Float64()-1)
	}
	if d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Counter is the slice of a metrics counter the retry loop needs. Satisfied
// by prometheus.Counter.
type Counter interface {
	Inc()
}

// Do runs op under the policy. Client-class errors abort immediately;
// transient and unknown errors are retried until the budget is exhausted or
// the context is done. Every failed attempt increments counter (when non-nil)
// before the next try, so no failure goes unobserved.
func Do(ctx context.Context, policy Policy, logger zerolog.Logger, counter Counter, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if counter != nil {
			counter.Inc()
		}

		kind := Classify(err)
		if kind == KindClient {
			return err
		}

		if !policy.Unbounded && attempt >= policy.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := policy.Backoff(attempt)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("kind", kind.String()).
			Dur("backoff", delay).
			Msg("operation failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("aborted while waiting to retry: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}
