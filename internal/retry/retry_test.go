package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noSleep records requested delays instead of sleeping.
type noSleep struct {
	delays []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.delays = append(n.delays, d)
	return ctx.Err()
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *noSleep) {
	t.Helper()
	ns := &noSleep{}
	cfg.Sleep = ns.sleep
	if cfg.Jitter == nil {
		cfg.Jitter = func() float64 { return 0 }
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e, ns
}

func TestRunSucceedsAfterRetryableFailures(t *testing.T) {
	e, ns := newTestExecutor(t, Config{MaxAttempts: 3})

	calls := 0
	got, err := Do(context.Background(), e, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", errors.New("network unreachable")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, ns.delays)
}

func TestRunKFailuresThenSuccess(t *testing.T) {
	tests := map[string]struct {
		maxAttempts int
		failures    int
	}{
		"no failures":       {maxAttempts: 3, failures: 0},
		"one failure":       {maxAttempts: 3, failures: 1},
		"four of five":      {maxAttempts: 5, failures: 4},
		"single attempt ok": {maxAttempts: 1, failures: 0},
		"nine of ten":       {maxAttempts: 10, failures: 9},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			e, _ := newTestExecutor(t, Config{MaxAttempts: test.maxAttempts, BaseDelay: time.Millisecond})

			calls := 0
			err := e.Run(context.Background(), func(ctx context.Context) error {
				calls++
				if calls <= test.failures {
					return Transient(errors.New("boom"))
				}
				return nil
			})

			require.NoError(t, err)
			assert.Equal(t, test.failures+1, calls)
		})
	}
}

func TestRunExhaustionReturnsLastError(t *testing.T) {
	e, ns := newTestExecutor(t, Config{MaxAttempts: 3})

	var errs []error
	err := e.Run(context.Background(), func(ctx context.Context) error {
		err := fmt.Errorf("request timeout #%d", len(errs)+1)
		errs = append(errs, err)
		return err
	})

	require.Len(t, errs, 3)
	assert.Same(t, errs[2], err, "must surface the last attempt's error unwrapped")
	assert.Len(t, ns.delays, 2)
}

func TestRunNonRetryableStopsImmediately(t *testing.T) {
	e, ns := newTestExecutor(t, Config{MaxAttempts: 5})

	wantErr := &HTTPError{Code: 404, Message: "not found"}
	calls := 0
	err := e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	})

	assert.Same(t, wantErr, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, ns.delays)
}

func TestRunOnRetryHook(t *testing.T) {
	type call struct {
		attempt int
		delay   time.Duration
	}
	var calls []call
	e, _ := newTestExecutor(t, Config{
		MaxAttempts:   4,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      250 * time.Millisecond,
		BackoffFactor: 2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			calls = append(calls, call{attempt: attempt, delay: delay})
		},
	})

	_ = e.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("rate limit exceeded")
	})

	assert.Equal(t, []call{
		{attempt: 1, delay: 100 * time.Millisecond},
		{attempt: 2, delay: 200 * time.Millisecond},
		{attempt: 3, delay: 250 * time.Millisecond},
	}, calls)
}

func TestDelayJitterBounded(t *testing.T) {
	e, _ := newTestExecutor(t, Config{BaseDelay: time.Second, Jitter: func() float64 { return 0.999 }})

	d := e.Delay(1)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 1300*time.Millisecond)
}

func TestBackoffDelay(t *testing.T) {
	tests := map[string]struct {
		attempt int
		want    time.Duration
	}{
		"first":  {attempt: 1, want: time.Second},
		"second": {attempt: 2, want: 2 * time.Second},
		"fifth":  {attempt: 5, want: 16 * time.Second},
		"capped": {attempt: 6, want: 30 * time.Second},
		"huge":   {attempt: 5000, want: 30 * time.Second},
		"zero":   {attempt: 0, want: time.Second},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, BackoffDelay(time.Second, 30*time.Second, 2, test.attempt))
		})
	}
}

func TestRunAttemptTimeout(t *testing.T) {
	e, _ := newTestExecutor(t, Config{MaxAttempts: 2, Timeout: 10 * time.Millisecond})

	var calls atomic.Int32
	err := e.Run(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptTimeout)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestRunContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e, err := New(Config{MaxAttempts: 3, BaseDelay: time.Hour})
	require.NoError(t, err)

	calls := 0
	err = e.Run(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("network down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := New(Config{MaxAttempts: -1})
	assert.Error(t, err)

	_, err = New(Config{BackoffFactor: 0.5})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":                {err: nil, want: false},
		"plain":              {err: errors.New("bad input"), want: false},
		"conn refused":       {err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: true},
		"conn reset":         {err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		"timed out":          {err: syscall.ETIMEDOUT, want: true},
		"dns not found":      {err: &net.DNSError{Err: "no such host", Name: "api.example", IsNotFound: true}, want: true},
		"http 429":           {err: &HTTPError{Code: 429, Message: "slow down"}, want: true},
		"http 503":           {err: &HTTPError{Code: 503, Message: "unavailable"}, want: true},
		"http 400":           {err: &HTTPError{Code: 400, Message: "bad request"}, want: false},
		"wrapped http 502":   {err: fmt.Errorf("list issues: %w", &HTTPError{Code: 502, Message: "bad gateway"}), want: true},
		"timeout message":    {err: errors.New("gh: request Timeout"), want: true},
		"network message":    {err: errors.New("Network is unreachable"), want: true},
		"rate limit message": {err: errors.New("API rate limit exceeded"), want: true},
		"transient":          {err: Transient(errors.New("flaky")), want: true},
		"permanent":          {err: Permanent(errors.New("network gone for good")), want: false},
		"attempt timeout":    {err: ErrAttemptTimeout, want: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, IsRetryable(test.err))
		})
	}
}
