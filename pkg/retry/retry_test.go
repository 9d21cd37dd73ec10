package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fast(opts ...Option) *Retrier {
	return New(append([]Option{WithInitialDelay(time.Millisecond), WithMaxDelay(2 * time.Millisecond)}, opts...)...)
}

func TestDo_RetriesRetryable(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(3)).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errBoom)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPlainError(t *testing.T) {
	calls := 0
	err := fast().Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	assert.Same(t, errBoom, err)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentWins(t *testing.T) {
	calls := 0
	err := fast(WithRetryIf(func(error) bool { return true })).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errBoom)
	})
	assert.Same(t, errBoom, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var retries []int
	calls := 0
	err := fast(
		WithMaxAttempts(4),
		WithOnRetry(func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }),
	).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errBoom)
	})
	assert.Same(t, errBoom, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, retries)
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fast().Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithData(t *testing.T) {
	calls := 0
	v, err := DoWithData(context.Background(), fast(), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errBoom)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDelay_Capped(t *testing.T) {
	r := New(WithInitialDelay(10*time.Millisecond), WithMaxDelay(50*time.Millisecond), WithJitter(0))
	assert.Equal(t, 10*time.Millisecond, r.delay(1))
	assert.Equal(t, 20*time.Millisecond, r.delay(2))
	assert.Equal(t, 50*time.Millisecond, r.delay(5))
}

func TestReconnect_BackoffResetsAfterEstablished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1, 2: fail before connecting; 3: connects, then drops; 4: fails; 5: stops.
	calls := 0
	var waits []time.Duration
	Reconnect(ctx, time.Millisecond, 8*time.Millisecond,
		func(_ context.Context, established func()) error {
			calls++
			switch calls {
			case 3:
				established()
			case 5:
				cancel()
				return nil
			}
			return errBoom
		},
		func(err error, wait time.Duration) {
			assert.ErrorIs(t, err, errBoom)
			waits = append(waits, wait)
		},
	)

	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, time.Millisecond, 2 * time.Millisecond,
	}, waits)
}

func TestReconnect_CapsDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	Reconnect(ctx, time.Millisecond, 2*time.Millisecond,
		func(context.Context, func()) error {
			if len(waits) == 4 {
				cancel()
			}
			return errBoom
		},
		func(_ error, wait time.Duration) { waits = append(waits, wait) },
	)

	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond,
	}, waits)
}
