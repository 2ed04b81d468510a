package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 交易号锁
// ============================================================================
//
// 加锁：SET sale:lock:txn:<transaction_id> <owner> NX PX ttl
// 释放：Lua 脚本比较 owner 后删除，过期后被别人拿到的锁不会被误删
//
// 【加锁粒度】按交易号，不按商品
// 商品库存的并发由条件扣减保证，不需要锁；
// 这把锁只解决"同一个交易号被客户端重复提交"：
//
//	请求1: 获取锁 -> 无 completed 记录 -> 完成销售 -> 释放锁
//	请求2: 等待锁 -> 获取锁 -> 发现 completed 记录 -> 直接返回原销售单
//
// client 为 nil 时不加锁，由 sale.transaction_id 唯一索引兜底
// ============================================================================

var ErrLockBusy = errors.New("交易正在处理中")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type SaleLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewSaleLocker(client *redis.Client, ttl time.Duration) *SaleLocker {
	retries := int(ttl / (100 * time.Millisecond))
	if retries < 1 {
		retries = 1
	}
	return &SaleLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    retries,
	}
}

func lockKey(transactionID string) string {
	return "sale:lock:txn:" + transactionID
}

// Acquire 获取锁，返回释放函数；等满 ttl 仍未拿到返回 ErrLockBusy
func (l *SaleLocker) Acquire(ctx context.Context, transactionID string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}

	key := lockKey(transactionID)
	owner := uuid.NewString()

	for i := 0; i < l.maxRetries; i++ {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// 请求 ctx 可能已取消，释放锁用独立的 ctx
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, owner).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
	return nil, ErrLockBusy
}
