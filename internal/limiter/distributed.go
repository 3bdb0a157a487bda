package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedTokenBucket 以 Redis 儲存桶狀態的令牌桶
//
// 多個協調器實例共用同一份計數，同一身份換實例重連也不會重置額度。
// 狀態存在 {key}:tokens 與 {key}:last_refill，由 Lua 腳本原子更新。
type DistributedTokenBucket struct {
	client     redis.Scripter
	prefix     string
	capacity   int64
	refillRate int64
	ttl        time.Duration
	script     *redis.Script
}

// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 每秒填充速率
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: 狀態存活秒數
//
// 返回 1 放行、0 拒絕
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill) / 1000
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', key .. ':tokens', tokens, 'EX', ttl)
redis.call('SET', key .. ':last_refill', now, 'EX', ttl)

return allowed
`)

// NewDistributedTokenBucket 建立分散式令牌桶
//
// prefix 用來隔離不同部署共用的 Redis，例如 "chess:ratelimit"。
func NewDistributedTokenBucket(client redis.Scripter, prefix string, capacity, refillRate int64) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: refillRate,
		ttl:        time.Hour,
		script:     tokenBucketScript,
	}
}

// Allow 實作 Limiter
//
// Redis 錯誤時放行並返回錯誤（可用性優先）。
func (d *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	fullKey := key
	if d.prefix != "" {
		fullKey = d.prefix + ":" + key
	}

	result, err := d.script.Run(
		ctx,
		d.client,
		[]string{fullKey},
		d.capacity,
		d.refillRate,
		time.Now().UnixMilli(),
		int64(d.ttl.Seconds()),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis token bucket: %w", err)
	}

	return result == 1, nil
}
