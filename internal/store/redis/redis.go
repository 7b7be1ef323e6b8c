package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dawasakhi/authgateway/internal/store"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	PoolSize  int           `json:"pool_size"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// MaxRetries is the number of times an optimistic Update is retried
	// when the watched key changes before the transaction commits.
	MaxRetries int `json:"max_retries"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.MaxRetries < 1 {
		c.MaxRetries = 5
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Set sets a value against a key with an expiry.
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.makeKey(key), val, ttl).Err()
}

// Get returns the value of a key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.makeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotExist
	}
	return b, err
}

// Update reads a key and writes back whatever fn returns inside a
// MULTI/EXEC transaction that is aborted if the key is modified
// externally between the read and the write.
func (r *Redis) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	key = r.makeKey(key)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return err
			}
			cur = nil
		}

		val, ttl, err := fn(cur)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if val == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, val, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < r.conf.MaxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return store.ErrConflict
}

// Delete deletes a key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.makeKey(key)).Err()
}

// TTL returns the remaining lifetime of a key. A key without an
// expiry returns 0.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.makeKey(key)).Result()
	if err != nil {
		return 0, err
	}

	switch {
	// -2: doesn't exist. -1: no expiry.
	case ttl == -2:
		return 0, store.ErrNotExist
	case ttl < 0:
		return 0, nil
	}

	return ttl, nil
}

// makeKey makes the Redis key, optionally namespaced by the key prefix.
func (r *Redis) makeKey(key string) string {
	if r.conf.KeyPrefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", r.conf.KeyPrefix, key)
}
