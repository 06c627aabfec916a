package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis driver.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis keeps each namespace in one hash, so a namespace can be inspected
// or wiped with a single HGETALL/DEL.
type Redis struct {
	client *redis.Client
	key    string
}

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, opts RedisOptions, namespace string) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("store: redis driver requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", opts.Addr, err)
	}
	return NewRedis(client, namespace), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, key: "pushreg:" + namespace}
}

func (r *Redis) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap("hget", key, err)
	}
	return v, true, nil
}

func (r *Redis) PutString(ctx context.Context, key, value string) error {
	return r.wrap("hset", key, r.client.HSet(ctx, r.key, key, value).Err())
}

func (r *Redis) GetBool(ctx context.Context, key string) (bool, bool, error) {
	raw, ok, err := r.GetString(ctx, key)
	if err != nil || !ok {
		return false, ok, err
	}
	v, err := parseBool(key, raw)
	return v, err == nil, err
}

func (r *Redis) PutBool(ctx context.Context, key string, value bool) error {
	return r.PutString(ctx, key, formatBool(value))
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.wrap("hdel", key, r.client.HDel(ctx, r.key, key).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("redis %s %s/%s: %w", op, r.key, key, err)
}
