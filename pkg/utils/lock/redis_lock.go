package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"batcher-core/pkg/safe_random"
)

// DistributedLock 定义分布式锁接口
type DistributedLock interface {
	// Acquire 尝试获取锁
	// key: 锁的唯一标识
	// ttl: 锁的过期时间
	// 返回: (是否成功, error)
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release 释放锁
	Release(ctx context.Context, key string) error
}

// releaseScript 只有 Value 属于自己时才删除 Key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock 基于 Redis SETNX 的实现
type RedisLock struct {
	client *redis.Client
	token  string
}

func NewRedisLock(client *redis.Client) *RedisLock {
	// token 标识锁归属，释放时经 Lua 脚本校验，避免误删其他节点的锁
	token, err := safe_random.GenerateRandomHexString(16)
	if err != nil {
		token = "fallback-owner"
	}
	return &RedisLock{client: client, token: token}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// SET key value NX EX ttl
	success, err := l.client.SetNX(ctx, "lock:"+key, l.token, ttl).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{"lock:" + key}, l.token).Err()
}
