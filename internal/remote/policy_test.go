package remote

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestPolicyRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Service: "test", Err: errors.New("connection reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicyStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	var retries []int
	p := fastPolicy()
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		retries = append(retries, attempt)
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &TransientError{Service: "test", Err: errors.New("timeout")}
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestPolicyDoesNotRetryRateLimitOrValidation(t *testing.T) {
	for _, failure := range []error{
		&RateLimitedError{Service: "test", RetryAfter: time.Minute},
		&ValidationError{Service: "test", Code: "INVALID_DATA"},
	} {
		calls := 0
		err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
			calls++
			return failure
		})
		assert.Equal(t, 1, calls, "error %T should not be retried", failure)
		assert.Same(t, failure, err)
	}
}

func TestPolicyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return &TransientError{Service: "test", Err: errors.New("boom")}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, 60*time.Second, ParseRetryAfter("60", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(time.RFC1123), now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
}

func TestClassifyResponse(t *testing.T) {
	now := time.Now()
	resp := func(status int, retryAfter string) *http.Response {
		h := http.Header{}
		if retryAfter != "" {
			h.Set("Retry-After", retryAfter)
		}
		return &http.Response{StatusCode: status, Header: h}
	}

	err := ClassifyResponse("crm", resp(http.StatusTooManyRequests, "12"), nil, now)
	delay, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 12*time.Second, delay)

	assert.True(t, IsAuthExpired(ClassifyResponse("crm", resp(http.StatusUnauthorized, ""), nil, now)))
	assert.True(t, IsTransient(ClassifyResponse("crm", resp(http.StatusBadGateway, ""), []byte("bad gateway"), now)))

	err = ClassifyResponse("crm", resp(http.StatusNotFound, ""), []byte(`{"code":"missing","message":"no such thing"}`), now)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "missing", httpErr.Code)
	assert.Equal(t, "no such thing", httpErr.Message)
	assert.True(t, IsPermanent(err))
}

func TestKindAndPermanence(t *testing.T) {
	assert.Equal(t, "timeout", Kind(context.DeadlineExceeded))
	assert.False(t, IsPermanent(context.DeadlineExceeded))
	assert.False(t, IsPermanent(&AuthExpiredError{Service: "crm"}))
	assert.Equal(t, "validation", Kind(&ValidationError{Service: "crm", Code: "INVALID_DATA"}))
	assert.True(t, IsPermanent(&ValidationError{Service: "crm", Code: "INVALID_DATA"}))
	assert.Equal(t, "store_unavailable", Kind(ErrStoreUnavailable))
}
