package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/maouw/cloudknot/api"
)

// RetryPolicy bounds how often and how fast a failing call is retried.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each interval (0..1).
	Jitter float64
	// MaxElapsed caps the total time spent; zero keeps backoff's default.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy is used for throttling and propagation lag.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		Initial:     500 * time.Millisecond,
		MaxInterval: 20 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

// DefaultClobberPolicy is used for dependent-in-use failures during teardown.
func DefaultClobberPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		Initial:     5 * time.Second,
		MaxInterval: time.Minute,
		Multiplier:  2,
		Jitter:      0.3,
	}
}

// RetryPolicyFromEnv returns DefaultRetryPolicy adjusted by
// CLOUDKNOT_RETRY_MAX_ATTEMPTS, CLOUDKNOT_RETRY_INITIAL and
// CLOUDKNOT_RETRY_MAX_INTERVAL.
func RetryPolicyFromEnv() (RetryPolicy, error) {
	p := DefaultRetryPolicy()
	if v := os.Getenv("CLOUDKNOT_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, &api.InvalidParameterError{Message: fmt.Sprintf("CLOUDKNOT_RETRY_MAX_ATTEMPTS must be a positive integer, got %q", v)}
		}
		p.MaxAttempts = n
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"CLOUDKNOT_RETRY_INITIAL", &p.Initial},
		{"CLOUDKNOT_RETRY_MAX_INTERVAL", &p.MaxInterval},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil || dur < 0 {
			return p, &api.InvalidParameterError{Message: fmt.Sprintf("%s must be a duration, got %q", d.env, v)}
		}
		*d.dst = dur
	}
	return p, nil
}

// ZeroPolicy retries up to attempts times without sleeping.
func ZeroPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.Initial <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.RandomizationFactor = p.Jitter
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// retry runs op until it succeeds, fails with an error retryable
// rejects, or the policy's attempts are spent. It returns the number of
// attempts made alongside the result.
func retry[T any](ctx context.Context, p RetryPolicy, retryable func(error) bool, notify func(err error, attempt int, wait time.Duration), op func(context.Context) (T, error)) (T, int, error) {
	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.attempts())),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(err, attempt, wait)
			}
		}),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
	return v, attempt, err
}
