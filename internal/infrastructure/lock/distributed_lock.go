package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥
//   - EX 防止持有者崩溃后死锁
//   - value 标识持有者，释放时校验
//
// 释放：Lua 脚本原子地 "比较 value + 删除"，不会误删其他持有者的锁
//
// 账户余额的正确性由数据库条件更新保证，这里的锁只用于削减同一账户
// 的并发冲突重试，以及保证多实例下结算任务同一时刻只有一个在跑。
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
	ErrNotHeld    = errors.New("锁已过期或被其他持有者占用")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.Cmdable
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client redis.Cmdable, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 非阻塞获取锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞获取锁，最多重试 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，锁已不属于自己时返回 ErrNotHeld
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// NewAccountLock 按付款账户加锁，value 为请求ID便于追踪持有者
func NewAccountLock(client redis.Cmdable, userID int64, requestID string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("coin:lock:account:%d", userID)
	return NewDistributedLock(client, key, requestID, ttl)
}

// NewPayoutRunLock 结算任务锁，同一结算日同一时刻只允许一个实例执行
func NewPayoutRunLock(client redis.Cmdable, runDate, owner string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("coin:lock:payout:%s", runDate)
	return NewDistributedLock(client, key, owner, ttl)
}
