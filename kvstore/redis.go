package kvstore

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

// incrementScript increments KEYS[1] and attaches the window expiry in the
// same server-side step. A counter found without an expiry is healed.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type RedisStore struct {
	logger    types.Logger
	config    *types.RedisConfig
	keyPrefix string
	client    *redis.Client
	state     atomic.Value
}

func NewRedisStore(config *types.KVStoreConfig, logger types.Logger) (*RedisStore, error) {
	redisConfig := &types.RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		ScanCount:          500,
	}

	if config.Redis != nil {
		*redisConfig = *config.Redis
		if redisConfig.ScanCount <= 0 {
			redisConfig.ScanCount = 500
		}
	}

	store := &RedisStore{
		logger:    logger,
		config:    redisConfig,
		keyPrefix: config.KeyPrefix,
	}
	store.state.Store(StateStopped)
	store.initRedisClient()

	if err := store.ping(); err != nil {
		_ = store.client.Close()
		return nil, types.Errorf(types.ErrKVStoreConnectionFailed, "%s:%d: %v", redisConfig.Host, redisConfig.Port, err)
	}

	return store, nil
}

func (r *RedisStore) initRedisClient() {
	r.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Username:     r.config.Username,
		Password:     r.config.Password,
		DB:           r.config.DB,
		PoolSize:     r.config.PoolSize,
		MinIdleConns: r.config.MinIdleConnections,
		MaxRetries:   r.config.MaxRetries,
		DialTimeout:  r.config.DialTimeout,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	})
}

func (r *RedisStore) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Start() error {
	if !r.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	r.logger.Info("Redis kv store started",
		zap.String("addr", r.client.Options().Addr),
		zap.Int("db", r.config.DB),
		zap.String("key_prefix", r.keyPrefix))

	return nil
}

func (r *RedisStore) Stop() error {
	if !r.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer r.state.Store(StateStopped)

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis kv store closed")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return r.state.Load() == StateRunning
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, types.ErrKVStoreKeyEmpty
	}

	value, err := r.client.Get(ctx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.Errorf(types.ErrKVStoreOperationFailed, "get %s: %v", key, err)
	}

	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrKVStoreKeyEmpty
	}

	if err := r.client.Set(ctx, r.buildFullKey(key), value, ttl).Err(); err != nil {
		return types.Errorf(types.ErrKVStoreOperationFailed, "set %s: %v", key, err)
	}

	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			fullKeys = append(fullKeys, r.buildFullKey(key))
		}
	}

	if len(fullKeys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, fullKeys...).Err(); err != nil {
		return types.Errorf(types.ErrKVStoreOperationFailed, "delete %s: %v", strings.Join(keys, ","), err)
	}

	return nil
}

// DeletePrefix walks the keyspace with SCAN and removes every key starting
// with prefix. Keys written concurrently with the walk may survive.
func (r *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, types.ErrKVStoreKeyEmpty
	}

	pattern := escapeGlob(r.buildFullKey(prefix)) + "*"

	var deleted int64
	iter := r.client.Scan(ctx, 0, pattern, r.config.ScanCount).Iterator()
	batch := make([]string, 0, r.config.ScanCount)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= r.config.ScanCount {
			if err := flush(); err != nil {
				return deleted, types.Errorf(types.ErrKVStoreOperationFailed, "delete prefix %s: %v", prefix, err)
			}
		}
	}

	if err := iter.Err(); err != nil {
		return deleted, types.Errorf(types.ErrKVStoreOperationFailed, "scan prefix %s: %v", prefix, err)
	}

	if err := flush(); err != nil {
		return deleted, types.Errorf(types.ErrKVStoreOperationFailed, "delete prefix %s: %v", prefix, err)
	}

	return deleted, nil
}

func (r *RedisStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (types.WindowCounter, error) {
	if key == "" {
		return types.WindowCounter{}, types.ErrKVStoreKeyEmpty
	}

	if ttl < time.Millisecond {
		return types.WindowCounter{}, types.Errorf(types.ErrInvalidParameter, "ttl %s below 1ms", ttl)
	}

	result, err := incrementScript.Run(ctx, r.client, []string{r.buildFullKey(key)}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return types.WindowCounter{}, types.Errorf(types.ErrKVStoreOperationFailed, "increment %s: %v", key, err)
	}

	if len(result) != 2 {
		return types.WindowCounter{}, types.Errorf(types.ErrKVStoreOperationFailed, "increment %s: unexpected reply %v", key, result)
	}

	return types.WindowCounter{
		Count: result[0],
		TTL:   time.Duration(result[1]) * time.Millisecond,
	}, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return types.Errorf(types.ErrKVStoreConnectionFailed, "%v", err)
	}
	return nil
}

func (r *RedisStore) buildFullKey(key string) string {
	if r.keyPrefix != "" {
		return r.keyPrefix + ":" + key
	}
	return key
}

var globReplacer = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
