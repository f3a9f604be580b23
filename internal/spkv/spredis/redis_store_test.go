package spredis

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandur/signpost/internal/spkv"
)

var logger = logrus.New()

func TestRedisStore(t *testing.T) {
	var (
		ctx   context.Context
		mr    *miniredis.Miniredis
		store *RedisStore
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			mr = miniredis.RunT(t)
			store = newRedisStoreWithClient(logger, redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			t.Cleanup(func() { _ = store.Close() })

			test(t)
		}
	}

	t.Run("NewRedisStore", setup(func(t *testing.T) {
		host, portStr, err := net.SplitHostPort(mr.Addr())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)

		store, err := NewRedisStore(logger, &Options{Host: host, Port: port})
		require.NoError(t, err)
		require.NoError(t, store.Close())
	}))

	t.Run("NewRedisStoreUnreachable", setup(func(t *testing.T) {
		_, err := NewRedisStore(logger, &Options{Host: "127.0.0.1", Port: 1})
		require.Error(t, err)
	}))

	t.Run("GetNotFound", setup(func(t *testing.T) {
		_, err := store.Get(ctx, "lunch")
		require.ErrorIs(t, err, spkv.ErrKeyNotFound)

		_, err = store.TTL(ctx, "lunch")
		require.ErrorIs(t, err, spkv.ErrKeyNotFound)
	}))

	t.Run("SetGetDelete", setup(func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "lunch", "tacos"))

		val, err := store.Get(ctx, "lunch")
		require.NoError(t, err)
		require.Equal(t, "tacos", val)

		ttl, err := store.TTL(ctx, "lunch")
		require.NoError(t, err)
		require.Zero(t, ttl)

		require.NoError(t, store.Delete(ctx, "lunch"))

		_, err = store.Get(ctx, "lunch")
		require.ErrorIs(t, err, spkv.ErrKeyNotFound)

		// Deleting again is fine.
		require.NoError(t, store.Delete(ctx, "lunch"))
	}))

	t.Run("SetWithTTL", setup(func(t *testing.T) {
		require.NoError(t, store.SetWithTTL(ctx, "lunch", "tacos", 2*time.Second))

		ttl, err := store.TTL(ctx, "lunch")
		require.NoError(t, err)
		require.Equal(t, 2*time.Second, ttl)

		mr.FastForward(2 * time.Second)

		_, err = store.Get(ctx, "lunch")
		require.ErrorIs(t, err, spkv.ErrKeyNotFound)
	}))

	t.Run("SetClearsTTL", setup(func(t *testing.T) {
		require.NoError(t, store.SetWithTTL(ctx, "lunch", "tacos", 2*time.Second))
		require.NoError(t, store.Set(ctx, "lunch", "burritos"))

		ttl, err := store.TTL(ctx, "lunch")
		require.NoError(t, err)
		require.Zero(t, ttl)

		mr.FastForward(time.Minute)

		val, err := store.Get(ctx, "lunch")
		require.NoError(t, err)
		require.Equal(t, "burritos", val)
	}))

	t.Run("CompareAndDelete", setup(func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "lunch", "tacos"))

		deleted, err := store.CompareAndDelete(ctx, "lunch", "burritos")
		require.NoError(t, err)
		require.False(t, deleted)
		require.True(t, mr.Exists("lunch"))

		deleted, err = store.CompareAndDelete(ctx, "lunch", "tacos")
		require.NoError(t, err)
		require.True(t, deleted)
		require.False(t, mr.Exists("lunch"))
	}))

	t.Run("BackendError", setup(func(t *testing.T) {
		mr.SetError("server is sad")

		_, err := store.Get(ctx, "lunch")
		require.Error(t, err)
		require.NotErrorIs(t, err, spkv.ErrKeyNotFound)
	}))
}
