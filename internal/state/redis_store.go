package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/web3"
	"YieldHarvester-Agent/pkg/logger"
)

// RedisStoreConfig 描述 Redis 连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	// Key 是保存快照的 hash 键。
	Key string
}

// RedisStore 在进程内缓存之外把快照写入 Redis hash，使重启后仍能沿用上一次的值。
// Redis 不可用时读写退化为进程内缓存。
type RedisStore struct {
	*MemoryStore
	client *redis.Client
	key    string
	log    *slog.Logger
}

// NewRedisStore 创建并探活 Redis 快照存储。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newRedisStore(client, cfg.Key), nil
}

func newRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "harvester:strategy"
	}
	return &RedisStore{
		MemoryStore: NewMemoryStore(),
		client:      client,
		key:         key,
		log:         logger.Named("snapshot_store"),
	}
}

// Load 从 Redis 恢复全部快照到进程内缓存，返回恢复的数量。
func (s *RedisStore) Load(ctx context.Context) (int, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 快照失败")
	}
	restored := 0
	for field, raw := range values {
		var strategy web3.Strategy
		if err := json.Unmarshal([]byte(raw), &strategy); err != nil {
			s.log.Warn("skip corrupt snapshot", slog.String("field", field), slog.Any("error", err))
			continue
		}
		_ = s.MemoryStore.Put(ctx, strategy)
		restored++
	}
	return restored, nil
}

// Put 先更新进程内缓存，再写入 Redis。Redis 写入失败时返回 STORAGE_FAILURE，
// 但进程内的值已经生效。
func (s *RedisStore) Put(ctx context.Context, strategy web3.Strategy) error {
	_ = s.MemoryStore.Put(ctx, strategy)

	encoded, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	field := strconv.FormatUint(strategy.ID, 10)
	if err := s.client.HSet(ctx, s.key, field, encoded).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 快照失败",
			xerrors.WithMetadata("strategy_id", field))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
