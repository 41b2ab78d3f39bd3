// Package kvstore backs the BOC cache with Redis.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tonharbor:boc:"

// Connect accepts a redis:// URL or a host:port address and fails unless the
// server answers a PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := options(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opt.Addr, err)
	}
	return rdb, nil
}

func options(redisURL string) (*redis.Options, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opt, nil
	}
	return &redis.Options{Addr: redisURL}, nil
}

// Client is the part of *redis.Client the store needs
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// BocStore keeps bags of cells under their content key. A zero ttl keeps
// them forever.
type BocStore struct {
	client Client
	ttl    time.Duration
}

func NewBocStore(client Client, ttl time.Duration) *BocStore {
	return &BocStore{client: client, ttl: ttl}
}

func (s *BocStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (s *BocStore) Store(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err()
}
