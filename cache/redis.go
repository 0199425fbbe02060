package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"soundsync/config"
	"soundsync/logger"

	"github.com/redis/go-redis/v9"
)

// Connect opens a Redis client and verifies it with a PING.
func Connect(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Check runs a set/get/del round trip against Redis.
func Check(ctx context.Context, client *redis.Client, prefix string) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}

	key := prefix + "healthcheck"
	const want = "Redis connection successful!"

	if err := client.Set(ctx, key, want, time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set Redis key: %w", err)
	}
	val, err := client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to get Redis key: %w", err)
	}
	if val != want {
		return fmt.Errorf("unexpected value from Redis: got %s", val)
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete Redis key: %w", err)
	}
	return nil
}

// PreferenceStore keeps integer preferences as plain Redis strings under a
// key prefix. It satisfies repository.PreferenceStore.
type PreferenceStore struct {
	client *redis.Client
	prefix string
}

// NewPreferenceStore creates a Redis backed preference store.
func NewPreferenceStore(client *redis.Client, prefix string) *PreferenceStore {
	return &PreferenceStore{client: client, prefix: prefix}
}

func (s *PreferenceStore) key(name string) string {
	return s.prefix + "pref:" + name
}

func (s *PreferenceStore) GetInt64(ctx context.Context, key string, fallback int64) (int64, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	v, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("preference %s is not an integer: %w", key, err)
	}
	return v, nil
}

func (s *PreferenceStore) SetInt64(ctx context.Context, key string, value int64) error {
	// no expiry: preferences live as long as the catalog
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write preference %s: %w", key, err)
	}
	logger.Debug("preference stored in redis", logger.String("key", key), logger.Int64("value", value))
	return nil
}
