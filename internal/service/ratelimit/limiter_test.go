package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

func newTestLimiter(t *testing.T, def ClassConfig, classes map[string]ClassConfig, opts ...Option) *Limiter {
	t.Helper()
	l, err := New(def, classes, logger.NewNop(), domrepo.NopMetrics{}, opts...)
	require.NoError(t, err)
	return l
}

func TestNewValidation(t *testing.T) {
	_, err := New(ClassConfig{MaxRequests: 0, Window: time.Second}, nil, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)

	_, err = New(ClassConfig{MaxRequests: 1, Window: 0}, nil, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)

	_, err = New(ClassConfig{MaxRequests: 1, Window: time.Second},
		map[string]ClassConfig{"order": {MaxRequests: -1, Window: time.Second}},
		logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)
}

func TestAcquireSlidingWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, ClassConfig{MaxRequests: 5, Window: 10 * time.Second}, nil,
		WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		assert.True(t, l.Acquire("api"))
	}
	assert.False(t, l.Acquire("api"))

	// Half way through the window nothing has expired yet.
	now = now.Add(5 * time.Second)
	assert.False(t, l.Acquire("api"))

	// Once the window slides past the burst every slot frees again.
	now = now.Add(5*time.Second + time.Millisecond)
	assert.True(t, l.Acquire("api"))
}

func TestWindowSlidesGradually(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, ClassConfig{MaxRequests: 5, Window: 10 * time.Second}, nil,
		WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		require.True(t, l.Acquire("api"))
	}
	now = now.Add(4 * time.Second)
	for i := 0; i < 2; i++ {
		require.True(t, l.Acquire("api"))
	}
	assert.False(t, l.Acquire("api"))

	// 10.5s in, only the first burst of three has expired.
	now = now.Add(6*time.Second + 500*time.Millisecond)
	assert.Equal(t, 2, l.CurrentRate("api").Count)
	assert.True(t, l.Acquire("api"))
}

func TestUnknownClassGetsDefaultQuota(t *testing.T) {
	l := newTestLimiter(t, ClassConfig{MaxRequests: 2, Window: time.Minute}, nil)

	assert.True(t, l.Acquire("adhoc"))
	assert.True(t, l.Acquire("adhoc"))
	assert.False(t, l.Acquire("adhoc"))

	// Same quota, separate window.
	assert.True(t, l.Acquire("other"))
}

func TestConfiguredClassOverride(t *testing.T) {
	l := newTestLimiter(t,
		ClassConfig{MaxRequests: 10, Window: time.Minute},
		map[string]ClassConfig{"order": {MaxRequests: 1, Window: time.Minute}})

	assert.True(t, l.Acquire("order"))
	assert.False(t, l.Acquire("order"))
	assert.True(t, l.Acquire("api"))
}

func TestCurrentRate(t *testing.T) {
	l := newTestLimiter(t, ClassConfig{MaxRequests: 4, Window: 2 * time.Second}, nil)

	require.True(t, l.Acquire("api"))
	require.True(t, l.Acquire("api"))

	u := l.CurrentRate("api")
	assert.Equal(t, "api", u.Class)
	assert.Equal(t, 2, u.Count)
	assert.Equal(t, 4, u.MaxRequests)
	assert.Equal(t, 2.0, u.WindowSeconds)
	assert.Equal(t, 0.5, u.Utilization)
	assert.Equal(t, 1.0, u.PerSecond)
}

func TestUsagesListsConfiguredAndSeen(t *testing.T) {
	l := newTestLimiter(t,
		ClassConfig{MaxRequests: 5, Window: time.Minute},
		map[string]ClassConfig{"order": {MaxRequests: 2, Window: time.Minute}})

	require.True(t, l.Acquire("api"))

	usages := l.Usages()
	require.Len(t, usages, 2)
	assert.Equal(t, "api", usages[0].Class)
	assert.Equal(t, 1, usages[0].Count)
	assert.Equal(t, "order", usages[1].Class)
	assert.Equal(t, 0, usages[1].Count)
}

func TestAcquireWait(t *testing.T) {
	l := newTestLimiter(t, ClassConfig{MaxRequests: 1, Window: 300 * time.Millisecond}, nil)
	ctx := context.Background()

	require.True(t, l.Acquire("api"))

	// Not enough patience for the window to slide.
	err := l.AcquireWait(ctx, "api", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	// Plenty of patience succeeds once the original slot expires.
	start := time.Now()
	require.NoError(t, l.AcquireWait(ctx, "api", 2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireWaitContextCancel(t *testing.T) {
	l := newTestLimiter(t, ClassConfig{MaxRequests: 1, Window: time.Minute}, nil)

	require.True(t, l.Acquire("api"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := l.AcquireWait(ctx, "api", 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentAcquireNeverOverAdmits(t *testing.T) {
	l := newTestLimiter(t, ClassConfig{MaxRequests: 10, Window: time.Minute}, nil)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("api") {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())
	assert.Equal(t, 10, l.CurrentRate("api").Count)
}
