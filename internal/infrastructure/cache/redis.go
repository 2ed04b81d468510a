package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"jmspos/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// InitRedis 连接 Redis，未配置 host 时返回 nil（调用方按无 Redis 运行）
func InitRedis(cfg config.RedisConfig, log *logrus.Logger) (*redis.Client, error) {
	if !cfg.Enabled() {
		log.Info("未配置 Redis，跳过连接")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	log.Info("Redis 连接成功")
	return client, nil
}

// ============================================================================
// 交易号重放缓存
// ============================================================================
//
// 已完成的 transaction_id -> sale_id。
// 命中时编排器直接返回原销售单，不再访问数据库。
// 缓存只是加速，权威判断仍然是 transaction_log 中的 completed 记录，
// 所以写缓存失败只记日志，client 为 nil 时所有操作都是空操作。

type ReplayCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewReplayCache(client *redis.Client, ttl time.Duration) *ReplayCache {
	return &ReplayCache{client: client, ttl: ttl}
}

func replayKey(transactionID string) string {
	return "sale:txn:" + transactionID
}

// Get 返回缓存的 sale_id，未命中时 ok=false
func (c *ReplayCache) Get(ctx context.Context, transactionID string) (int64, bool, error) {
	if c == nil || c.client == nil {
		return 0, false, nil
	}
	val, err := c.client.Get(ctx, replayKey(transactionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	saleID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("缓存值格式错误: key=%s value=%s", replayKey(transactionID), val)
	}
	return saleID, true, nil
}

func (c *ReplayCache) Set(ctx context.Context, transactionID string, saleID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, replayKey(transactionID), strconv.FormatInt(saleID, 10), c.ttl).Err()
}
