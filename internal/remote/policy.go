package remote

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry discipline shared by both API clients.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay (0 disables it).
	Jitter float64
	// Retryable decides which errors earn another attempt. Defaults to IsTransient.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		Retryable:   IsTransient,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = def.Retryable
	}
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.normalized()

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.BaseDelay
	schedule.MaxInterval = p.MaxDelay
	schedule.Multiplier = p.Multiplier
	schedule.RandomizationFactor = p.Jitter
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	var bo backoff.BackOff = backoff.WithMaxRetries(schedule, uint64(p.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}
	})
}

// ParseRetryAfter accepts either delta-seconds or an HTTP date.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := time.Parse(time.RFC1123, header); err == nil {
		if delay := when.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}
