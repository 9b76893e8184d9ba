package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := New(cfg)
	t.Cleanup(d.Close)
	return d
}

func TestAcquireGrantsTokens(t *testing.T) {
	d := newTestDispatcher(t, Config{
		RequestsPerSecond: 1000,
		Burst:             10,
		MinRate:           1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Acquire(ctx, ClassPoll))
	}
}

func TestTradeClassBeatsPoll(t *testing.T) {
	// One token per 50ms, bucket drained up front, so queued waiters
	// are granted strictly one at a time.
	d := newTestDispatcher(t, Config{
		RequestsPerSecond: 20,
		Burst:             1,
		MinRate:           1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Acquire(ctx, ClassPoll))

	var mu sync.Mutex
	var granted []Class
	var wg sync.WaitGroup

	record := func(class Class) {
		defer wg.Done()
		if err := d.Acquire(ctx, class); err != nil {
			return
		}
		mu.Lock()
		granted = append(granted, class)
		mu.Unlock()
	}

	// Queue polls first, then a trade request while they wait.
	wg.Add(3)
	go record(ClassPoll)
	go record(ClassPoll)
	time.Sleep(20 * time.Millisecond)
	go record(ClassTrade)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, granted, 3)
	assert.Equal(t, ClassTrade, granted[0],
		"trade-class request must be granted before queued polls")
}

func TestAcquireTimeout(t *testing.T) {
	d := newTestDispatcher(t, Config{
		RequestsPerSecond: 0.1,
		Burst:             1,
		MinRate:           0.1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})

	ctx := context.Background()
	require.NoError(t, d.Acquire(ctx, ClassTrade))

	// Bucket is empty and refills far slower than the deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := d.Acquire(shortCtx, ClassTrade)
	assert.ErrorIs(t, err, broker.ErrTimeout)
}

func TestThrottlingShrinksBudget(t *testing.T) {
	d := newTestDispatcher(t, Config{
		RequestsPerSecond: 8,
		Burst:             8,
		MinRate:           1,
		RestoreAfter:      2,
		RestoreFactor:     2,
	})

	ctx := context.Background()
	throttled := &broker.RateLimitedError{}

	require.Error(t, d.Do(ctx, ClassTrade, func(context.Context) error { return throttled }))
	assert.InDelta(t, 4, d.CurrentRate(), 0.01)

	require.Error(t, d.Do(ctx, ClassTrade, func(context.Context) error { return throttled }))
	assert.InDelta(t, 2, d.CurrentRate(), 0.01)

	// Shrinks clamp at the floor.
	require.Error(t, d.Do(ctx, ClassTrade, func(context.Context) error { return throttled }))
	require.Error(t, d.Do(ctx, ClassTrade, func(context.Context) error { return throttled }))
	assert.InDelta(t, 1, d.CurrentRate(), 0.01)
}

func TestBudgetRestoresAfterSuccesses(t *testing.T) {
	d := newTestDispatcher(t, Config{
		RequestsPerSecond: 8,
		Burst:             8,
		MinRate:           1,
		RestoreAfter:      2,
		RestoreFactor:     2,
	})

	ctx := context.Background()
	ok := func(context.Context) error { return nil }

	require.Error(t, d.Do(ctx, ClassTrade, func(context.Context) error {
		return &broker.RateLimitedError{}
	}))
	require.InDelta(t, 4, d.CurrentRate(), 0.01)

	require.NoError(t, d.Do(ctx, ClassTrade, ok))
	require.NoError(t, d.Do(ctx, ClassTrade, ok))
	assert.InDelta(t, 8, d.CurrentRate(), 0.01, "two successes should restore one step")
}

func TestBreakerOpensOnSustainedFailures(t *testing.T) {
	d := newTestDispatcher(t, Config{
		RequestsPerSecond: 1000,
		Burst:             100,
		MinRate:           1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})

	ctx := context.Background()
	boom := &broker.TransientError{Err: errors.New("connection refused")}

	for i := 0; i < brokerMinRequests; i++ {
		require.Error(t, d.Do(ctx, ClassTrade, func(context.Context) error { return boom }))
	}

	// Circuit is open now; calls fail fast as transient errors without
	// invoking the operation.
	called := false
	err := d.Do(ctx, ClassTrade, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))
	assert.False(t, called)
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	d := newTestDispatcher(t, Config{
		RequestsPerSecond: 1000,
		Burst:             100,
		MinRate:           1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})

	ctx := context.Background()
	rejected := &broker.RejectedError{Reason: "insufficient funds"}

	for i := 0; i < brokerMinRequests*2; i++ {
		err := d.Do(ctx, ClassTrade, func(context.Context) error { return rejected })
		require.True(t, broker.IsRejected(err))
	}

	// Breaker stays closed for business rejections.
	require.NoError(t, d.Do(ctx, ClassTrade, func(context.Context) error { return nil }))
}

func TestCloseUnblocksWaiters(t *testing.T) {
	d := New(Config{
		RequestsPerSecond: 0.1,
		Burst:             1,
		MinRate:           0.1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})

	ctx := context.Background()
	require.NoError(t, d.Acquire(ctx, ClassTrade))

	done := make(chan error, 1)
	go func() { done <- d.Acquire(ctx, ClassTrade) }()

	time.Sleep(20 * time.Millisecond)
	d.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released on close")
	}
}
