package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dawasakhi/authgateway/internal/users"
	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis implements a users.Directory that keeps every user as a JSON
// document with secondary phone and e-mail index keys.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	Username   string        `json:"username"`
	Password   string        `json:"password"`
	DB         int           `json:"db"`
	Timeout    time.Duration `json:"timeout"`
	KeyPrefix  string        `json:"key_prefix"`
	MaxRetries int           `json:"max_retries"`
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// New returns a Redis user directory.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "user"
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 5
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{client: client, conf: c}
}

// Close closes the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// GetByID returns a user by ID.
func (r *Redis) GetByID(ctx context.Context, id string) (models.User, error) {
	return r.get(ctx, r.client, r.userKey(id))
}

// GetByPhone returns a user by phone number.
func (r *Redis) GetByPhone(ctx context.Context, phone string) (models.User, error) {
	return r.getByIndex(ctx, r.phoneKey(phone))
}

// GetByEmail returns a user by e-mail.
func (r *Redis) GetByEmail(ctx context.Context, email string) (models.User, error) {
	return r.getByIndex(ctx, r.emailKey(email))
}

// Save creates or updates a user along with its index keys.
func (r *Redis) Save(ctx context.Context, u models.User) (models.User, error) {
	now := time.Now()
	if u.ID == "" {
		u.ID = uuid.NewString()
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	b, err := json.Marshal(u)
	if err != nil {
		return u, err
	}

	var (
		key     = r.userKey(u.ID)
		indexes = []string{r.phoneKey(u.PhoneNumber)}
	)
	if u.Email != "" {
		indexes = append(indexes, r.emailKey(u.Email))
	}

	txf := func(tx *redis.Tx) error {
		for _, idx := range indexes {
			id, err := tx.Get(ctx, idx).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return err
			}
			if id != u.ID {
				return users.ErrConflict
			}
		}

		// Stale index keys of the previous version of the user.
		var stale []string
		old, err := r.get(ctx, tx, key)
		switch {
		case err == nil:
			if old.PhoneNumber != u.PhoneNumber {
				stale = append(stale, r.phoneKey(old.PhoneNumber))
			}
			if old.Email != "" && !strings.EqualFold(old.Email, u.Email) {
				stale = append(stale, r.emailKey(old.Email))
			}
			if u.CreatedAt.IsZero() {
				u.CreatedAt = old.CreatedAt
				if b, err = json.Marshal(u); err != nil {
					return err
				}
			}
		case !errors.Is(err, users.ErrNotExist):
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			for _, idx := range indexes {
				pipe.Set(ctx, idx, u.ID, 0)
			}
			if len(stale) > 0 {
				pipe.Del(ctx, stale...)
			}
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, append([]string{key}, indexes...)...); err != nil {
		return u, err
	}
	return u, nil
}

// SwapRefreshToken replaces the stored refresh token of a user with
// next if the stored one is cur. The read and the write happen in a
// single optimistic transaction so that two concurrent refreshes with
// the same token can't both succeed.
func (r *Redis) SwapRefreshToken(ctx context.Context, id, cur, next string) error {
	key := r.userKey(id)

	txf := func(tx *redis.Tx) error {
		u, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if u.RefreshToken != cur {
			return users.ErrTokenMismatch
		}

		u.RefreshToken = next
		u.UpdatedAt = time.Now()
		b, err := json.Marshal(u)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}

	return r.watch(ctx, txf, key)
}

func (r *Redis) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < r.conf.MaxRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("error updating %s: too many concurrent writes", keys[0])
}

func (r *Redis) getByIndex(ctx context.Context, idx string) (models.User, error) {
	id, err := r.client.Get(ctx, idx).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.User{}, users.ErrNotExist
		}
		return models.User{}, err
	}
	return r.GetByID(ctx, id)
}

func (r *Redis) get(ctx context.Context, c getter, key string) (models.User, error) {
	var u models.User

	b, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return u, users.ErrNotExist
		}
		return u, err
	}

	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("error decoding user: %w", err)
	}
	return u, nil
}

func (r *Redis) userKey(id string) string {
	return fmt.Sprintf("%s:id:%s", r.conf.KeyPrefix, id)
}

func (r *Redis) phoneKey(phone string) string {
	return fmt.Sprintf("%s:phone:%s", r.conf.KeyPrefix, phone)
}

func (r *Redis) emailKey(email string) string {
	return fmt.Sprintf("%s:email:%s", r.conf.KeyPrefix, strings.ToLower(email))
}
