package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	client *redis.Client
}

func openRedis(ctx context.Context, url string) (*redisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &redisBackend{client: client}, nil
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *redisBackend) Put(ctx context.Context, key string, value []byte) error {
	return b.client.Set(ctx, key, value, 0).Err()
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *redisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
