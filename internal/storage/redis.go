package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/triage/internal/config"
	"github.com/oriys/triage/internal/domain"
	"github.com/redis/go-redis/v9"
)

// lockWait 获取运行锁时的最长等待时间
const lockWait = 5 * time.Second

// releaseScript 仅当锁仍由自己持有时才删除，避免释放他人在过期后重新获得的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore 基于 Redis 的运行存储，同时提供跨实例运行锁。
//
// 键布局：
//
//	{prefix}:run:{id}      运行 JSON
//	{prefix}:runs          按创建时间排序的全部运行 ID（ZSET）
//	{prefix}:runs:active   按更新时间排序的非终态运行 ID（ZSET）
//	{prefix}:lock:{id}     运行锁，值为持有者令牌
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 Redis 并检查连通性
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient 使用已有客户端创建存储
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "triage"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Ping 检查连通性
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) runKey(id string) string  { return fmt.Sprintf("%s:run:%s", s.prefix, id) }
func (s *RedisStore) lockKey(id string) string { return fmt.Sprintf("%s:lock:%s", s.prefix, id) }
func (s *RedisStore) indexKey() string         { return s.prefix + ":runs" }
func (s *RedisStore) activeKey() string        { return s.prefix + ":runs:active" }

// CreateRun 保存新运行，ID 已存在时返回 ErrRunExists
func (s *RedisStore) CreateRun(ctx context.Context, run *domain.RunContext) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunExists, run.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID})
	s.indexActive(ctx, pipe, run)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}
	return nil
}

// GetRun 按 ID 读取运行
func (s *RedisStore) GetRun(ctx context.Context, id string) (*domain.RunContext, error) {
	data, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return decodeRun(data)
}

// UpdateRun 覆盖已有运行并维护活跃索引
func (s *RedisStore) UpdateRun(ctx context.Context, run *domain.RunContext) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.runKey(run.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if !ok {
		return domain.ErrRunNotFound
	}

	pipe := s.client.TxPipeline()
	s.indexActive(ctx, pipe, run)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}
	return nil
}

// indexActive 非终态运行按更新时间写入活跃集合，终态运行移出
func (s *RedisStore) indexActive(ctx context.Context, pipe redis.Pipeliner, run *domain.RunContext) {
	if run.IsTerminal() {
		pipe.ZRem(ctx, s.activeKey(), run.ID)
		return
	}
	pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(run.UpdatedAt.UnixNano()), Member: run.ID})
}

// ListRuns 按创建时间倒序列出运行。
// 过滤条件在读取 JSON 后判断，适合运行数量在数万以内的部署。
func (s *RedisStore) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.RunContext, int, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	runs, err := s.loadRuns(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	matched := runs[:0]
	for _, run := range runs {
		if matchesFilter(run, filter) {
			matched = append(matched, run)
		}
	}
	return paginate(matched, filter.Offset, filter.Limit), len(matched), nil
}

// ListResumableRuns 返回活跃集合中最早更新的运行
func (s *RedisStore) ListResumableRuns(ctx context.Context, limit int) ([]*domain.RunContext, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.activeKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	runs, err := s.loadRuns(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, run := range runs {
		if !run.IsTerminal() {
			out = append(out, run)
		}
	}
	return out, nil
}

// loadRuns 批量读取运行，已被删除的 ID 直接跳过
func (s *RedisStore) loadRuns(ctx context.Context, ids []string) ([]*domain.RunContext, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	runs := make([]*domain.RunContext, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		run, err := decodeRun([]byte(str))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// LockRun 获取运行锁，锁被占用时轮询等待，超过 lockWait 返回 ErrLockHeld。
// 返回的 unlock 只释放自己持有的锁。
func (s *RedisStore) LockRun(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	key := s.lockKey(id)
	token := uuid.New().String()
	deadline := time.Now().Add(lockWait)

	for {
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		if ok {
			return func() {
				// 调用方的 ctx 可能已取消，释放使用独立上下文
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				releaseScript.Run(releaseCtx, s.client, []string{key}, token)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLockHeld, id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
