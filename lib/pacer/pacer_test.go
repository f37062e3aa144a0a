package pacer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSuccess(t *testing.T) {
	p := New(MinSleep(0))
	calls := 0
	err := p.Call(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallNoRetryWithoutClassifier(t *testing.T) {
	p := New(MinSleep(0), Retries(3), RetrySleep(0))
	calls := 0
	boom := errors.New("boom")
	err := p.Call(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesRetryable(t *testing.T) {
	p := New(MinSleep(0), Retries(2), RetrySleep(0), ShouldRetry(func(err error) bool {
		return true
	}))
	calls := 0
	err := p.Call(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	p := New(MinSleep(0), Retries(5), RetrySleep(0), ShouldRetry(func(err error) bool {
		return !errors.Is(err, fatal)
	}))
	calls := 0
	err := p.Call(context.Background(), func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestCallObservesCancellation(t *testing.T) {
	p := New(MinSleep(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Call(ctx, func() error {
		t.Fatal("function must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallPacesCallStarts(t *testing.T) {
	const gap = 20 * time.Millisecond
	p := New(MinSleep(gap))
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Call(context.Background(), func() error { return nil }))
	}
	// three starts need at least two full gaps between them
	assert.GreaterOrEqual(t, time.Since(start), 2*gap)
}
