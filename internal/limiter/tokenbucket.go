// Package limiter 提供入站訊息的限流器
//
// 每個 WebSocket 連接（或每個身份）一個令牌桶：
//   - 單機版：LocalLimiter，記憶體中的 keyed 令牌桶
//   - 分散式版：DistributedTokenBucket，以 Redis + Lua 在多個實例間共享
//
// 兩者都實作 Limiter，Hub 不關心背後是哪一種。
package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter 限流器介面
//
// 返回 error 時 allowed 仍有意義：分散式限流在後端失效時返回 (true, err)，
// 呼叫者記錄錯誤但放行。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket 令牌桶
//
// 桶容量決定可容忍的突發量，填充速率決定平均訊息速率。
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // 每秒
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 建立新的令牌桶，初始為滿
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 返回當前令牌數（向下取整）
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

// refill 依經過時間補充令牌；呼叫者需持有鎖
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}

	tb.tokens = min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.refillRate)
	tb.lastRefill = now
}

// LocalLimiter 以 key 區分的單機令牌桶集合
type LocalLimiter struct {
	capacity   int64
	refillRate int64
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// LocalOption 單機限流器選項
type LocalOption func(*LocalLimiter)

// WithClock 替換時鐘（測試使用）
func WithClock(now func() time.Time) LocalOption {
	return func(l *LocalLimiter) {
		l.now = now
	}
}

// NewLocalLimiter 創建單機限流器
func NewLocalLimiter(capacity, refillRate int64, opts ...LocalOption) *LocalLimiter {
	l := &LocalLimiter{
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
		buckets:    make(map[string]*TokenBucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow 實作 Limiter
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow(), nil
}

// Forget 移除 key 對應的桶（連接關閉時呼叫）
func (l *LocalLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len 當前追蹤的 key 數量
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Unlimited 永遠放行（rate_limit.enabled 為 false 時使用）
type Unlimited struct{}

// Allow 實作 Limiter
func (Unlimited) Allow(context.Context, string) (bool, error) {
	return true, nil
}
