package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NotMugil/Inzx/model"
)

const (
	queueDocKey = "inzx:queue:v1"
	flagPrefix  = "inzx:flag:"

	// 文档本身保留24小时，恢复时另有5分钟TTL判定
	queueDocExpiry = 24 * time.Hour
)

// RedisQueueStore 把持久化队列文档存为单个 Redis 键的 JSON
type RedisQueueStore struct {
	client *redis.Client
}

// NewRedisQueueStore 创建基于全局客户端的队列存储
func NewRedisQueueStore() *RedisQueueStore {
	return &RedisQueueStore{client: RedisClient}
}

// Save 序列化并写入队列文档
func (s *RedisQueueStore) Save(ctx context.Context, pq *model.PersistedQueue) error {
	if s.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(pq)
	if err != nil {
		return fmt.Errorf("failed to marshal persisted queue: %w", err)
	}

	if err := s.client.Set(ctx, queueDocKey, data, queueDocExpiry).Err(); err != nil {
		return fmt.Errorf("failed to save persisted queue: %w", err)
	}
	return nil
}

// Load 读取队列文档，键不存在时返回 (nil, nil)
func (s *RedisQueueStore) Load(ctx context.Context) (*model.PersistedQueue, error) {
	if s.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := s.client.Get(ctx, queueDocKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load persisted queue: %w", err)
	}

	var pq model.PersistedQueue
	if err := json.Unmarshal(data, &pq); err != nil {
		return nil, fmt.Errorf("failed to unmarshal persisted queue: %w", err)
	}
	if pq.Version != model.PersistedQueueVersion {
		// 版本不匹配按不存在处理
		return nil, nil
	}
	return &pq, nil
}

// Clear 删除队列文档
func (s *RedisQueueStore) Clear(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return s.client.Del(ctx, queueDocKey).Err()
}

// SetFlag 设置一次性持久标记（如时长迁移已执行）
func (s *RedisQueueStore) SetFlag(ctx context.Context, name string) error {
	if s.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return s.client.Set(ctx, flagPrefix+name, "1", 0).Err()
}

// HasFlag 检查持久标记是否已设置
func (s *RedisQueueStore) HasFlag(ctx context.Context, name string) bool {
	if s.client == nil {
		return false
	}
	n, err := s.client.Exists(ctx, flagPrefix+name).Result()
	return err == nil && n > 0
}
