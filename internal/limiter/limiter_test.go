package limiter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/chess-room/internal/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestLocalLimiter_Burst 測試容量內放行、超過拒絕
func TestLocalLimiter_Burst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := limiter.NewLocalLimiter(3, 1, limiter.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "conn-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}

	ok, _ := l.Allow(ctx, "conn-1")
	assert.False(t, ok)

	// 其他 key 互不影響
	ok, _ = l.Allow(ctx, "conn-2")
	assert.True(t, ok)
}

// TestLocalLimiter_Refill 測試令牌依時間補充
func TestLocalLimiter_Refill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := limiter.NewLocalLimiter(2, 2, limiter.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "k")
	require.False(t, ok)

	// 0.5 秒補一個
	clock.Advance(500 * time.Millisecond)
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "k")
	assert.False(t, ok)

	// 長時間閒置不超過容量
	clock.Advance(time.Hour)
	for i := 0; i < 2; i++ {
		ok, _ = l.Allow(ctx, "k")
		assert.True(t, ok)
	}
	ok, _ = l.Allow(ctx, "k")
	assert.False(t, ok)
}

func TestLocalLimiter_Forget(t *testing.T) {
	l := limiter.NewLocalLimiter(1, 1)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	_, _ = l.Allow(ctx, "b")
	assert.Equal(t, 2, l.Len())

	l.Forget("a")
	assert.Equal(t, 1, l.Len())

	ok, _ := l.Allow(ctx, "a")
	assert.True(t, ok, "forgotten key starts with a full bucket")
}

// TestLocalLimiter_Concurrent 測試並發下不超發
func TestLocalLimiter_Concurrent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := limiter.NewLocalLimiter(50, 1, limiter.WithClock(clock.Now))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestTokenBucket_Tokens(t *testing.T) {
	tb := limiter.NewTokenBucket(5, 1)
	assert.Equal(t, int64(5), tb.Tokens())
	assert.True(t, tb.Allow())
	assert.LessOrEqual(t, tb.Tokens(), int64(5))
}

func TestUnlimited(t *testing.T) {
	var l limiter.Limiter = limiter.Unlimited{}
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(context.Background(), "x")
		require.NoError(t, err)
		require.True(t, ok)
	}
}
