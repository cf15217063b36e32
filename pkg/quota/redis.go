// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the Redis counter backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps windowed counters in Redis so that several gateway
// instances share the same accounting.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and validates the connection with a bounded ping.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	// First tick of a fresh window starts its expiry.
	if val == 1 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return val, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return val, nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	if err := s.rdb.Decr(ctx, key).Err(); err != nil {
		return fmt.Errorf("decr %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Ping reports backend reachability. Health checks use it.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
