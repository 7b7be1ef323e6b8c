package redis

import (
	"context"
	"errors"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dawasakhi/authgateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
	ctx    = context.Background()
)

const (
	mockKey = "otp:LOGIN:9876543210"
	mockVal = `{"code":"012345"}`
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	err := rStore.Set(ctx, mockKey, []byte(mockVal), 5*time.Minute)
	require.NoError(t, err, "Failed to set up test key")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestStoreGet(t *testing.T) {
	rStore := setup(t)

	b, err := rStore.Get(ctx, mockKey)
	assert.NoError(t, err, "Error getting key")
	assert.Equal(t, mockVal, string(b), "Value doesn't match")

	_, err = rStore.Get(ctx, "otp:LOGIN:unknown")
	assert.ErrorIs(t, err, store.ErrNotExist, "Expected ErrNotExist for unknown key")
}

func TestStoreExpiry(t *testing.T) {
	rStore := setup(t)

	rdis.FastForward(5*time.Minute + time.Second)
	_, err := rStore.Get(ctx, mockKey)
	assert.ErrorIs(t, err, store.ErrNotExist, "Key didn't expire")
}

func TestStoreTTL(t *testing.T) {
	rStore := setup(t)

	ttl, err := rStore.TTL(ctx, mockKey)
	assert.NoError(t, err, "Error getting TTL")
	assert.Equal(t, 5*time.Minute, ttl, "TTL doesn't match")

	rdis.FastForward(time.Minute)
	ttl, err = rStore.TTL(ctx, mockKey)
	assert.NoError(t, err, "Error getting TTL")
	assert.Equal(t, 4*time.Minute, ttl, "TTL didn't decrease")

	_, err = rStore.TTL(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotExist, "Expected ErrNotExist for unknown key")

	// No expiry.
	require.NoError(t, rStore.Set(ctx, "forever", []byte("1"), 0))
	ttl, err = rStore.TTL(ctx, "forever")
	assert.NoError(t, err, "Error getting TTL")
	assert.Equal(t, time.Duration(0), ttl, "Expected zero TTL for persistent key")
}

func TestStoreDelete(t *testing.T) {
	rStore := setup(t)

	assert.NoError(t, rStore.Delete(ctx, mockKey), "Error deleting key")
	assert.False(t, rdis.Exists(mockKey), "Key wasn't deleted")

	assert.NoError(t, rStore.Delete(ctx, mockKey), "Deleting a missing key errored")
}

func TestStoreUpdate(t *testing.T) {
	rStore := setup(t)

	t.Run("rewrite", func(t *testing.T) {
		err := rStore.Update(ctx, mockKey, func(cur []byte) ([]byte, time.Duration, error) {
			assert.Equal(t, mockVal, string(cur), "Update didn't receive the current value")
			return []byte("updated"), time.Minute, nil
		})
		assert.NoError(t, err, "Error updating key")

		v, _ := rdis.Get(mockKey)
		assert.Equal(t, "updated", v, "Value wasn't updated")
		assert.Equal(t, time.Minute, rdis.TTL(mockKey), "TTL wasn't applied")
	})

	t.Run("missing key", func(t *testing.T) {
		var got []byte
		err := rStore.Update(ctx, "missing", func(cur []byte) ([]byte, time.Duration, error) {
			got = cur
			return nil, 0, nil
		})
		assert.NoError(t, err, "Error updating missing key")
		assert.Nil(t, got, "Missing key should yield a nil value")
		assert.False(t, rdis.Exists("missing"), "Missing key was created")
	})

	t.Run("delete", func(t *testing.T) {
		err := rStore.Update(ctx, mockKey, func(cur []byte) ([]byte, time.Duration, error) {
			return nil, 0, nil
		})
		assert.NoError(t, err, "Error deleting via update")
		assert.False(t, rdis.Exists(mockKey), "Key wasn't deleted")
	})

	t.Run("abort", func(t *testing.T) {
		require.NoError(t, rStore.Set(ctx, mockKey, []byte(mockVal), time.Minute))

		errAbort := errors.New("abort")
		err := rStore.Update(ctx, mockKey, func(cur []byte) ([]byte, time.Duration, error) {
			return []byte("nope"), time.Minute, errAbort
		})
		assert.ErrorIs(t, err, errAbort, "Update didn't return the abort error")

		v, _ := rdis.Get(mockKey)
		assert.Equal(t, mockVal, v, "Aborted update wrote a value")
	})

	t.Run("retry", func(t *testing.T) {
		require.NoError(t, rStore.Set(ctx, mockKey, []byte(mockVal), time.Minute))

		// A concurrent write during the first pass forces a retry.
		calls := 0
		err := rStore.Update(ctx, mockKey, func(cur []byte) ([]byte, time.Duration, error) {
			calls++
			if calls == 1 {
				require.NoError(t, rStore.Set(ctx, mockKey, []byte("other"), time.Minute))
			}
			return append(cur, '!'), time.Minute, nil
		})
		assert.NoError(t, err, "Update didn't recover from a concurrent write")
		assert.Equal(t, 2, calls, "Update wasn't retried")

		v, _ := rdis.Get(mockKey)
		assert.Equal(t, "other!", v, "Retry didn't see the concurrent write")
	})

	t.Run("conflict", func(t *testing.T) {
		require.NoError(t, rStore.Set(ctx, mockKey, []byte(mockVal), time.Minute))

		calls := 0
		err := rStore.Update(ctx, mockKey, func(cur []byte) ([]byte, time.Duration, error) {
			calls++
			require.NoError(t, rStore.Set(ctx, mockKey, []byte(strconv.Itoa(calls)), time.Minute))
			return []byte("lost"), time.Minute, nil
		})
		assert.ErrorIs(t, err, store.ErrConflict, "Update didn't give up")
		assert.Equal(t, rStore.conf.MaxRetries, calls, "Unexpected number of attempts")

		v, _ := rdis.Get(mockKey)
		assert.NotEqual(t, "lost", v, "Conflicting update was written")
	})
}

func TestStoreKeyPrefix(t *testing.T) {
	rdis.FlushDB()
	t.Cleanup(func() { rdis.FlushDB() })

	port, _ := strconv.Atoi(rdis.Port())
	s := New(Conf{Host: rdis.Host(), Port: port, KeyPrefix: "dawasakhi"})

	require.NoError(t, s.Set(ctx, "blacklist:abc", []byte("1"), time.Minute))
	assert.True(t, rdis.Exists("dawasakhi:blacklist:abc"), "Key prefix wasn't applied")

	b, err := s.Get(ctx, "blacklist:abc")
	assert.NoError(t, err)
	assert.Equal(t, "1", string(b))
}

func TestStorePing(t *testing.T) {
	assert.NoError(t, rStore.Ping(ctx), "Ping failed")
}
