package repository

import (
	"context"
	"testing"
	"time"

	"slotwatch/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStateStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer client.Close()

	store := NewRedisStateStore(client)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "proxy:list", `["http://p1"]`, time.Minute))
		v, ok, err := store.Get(ctx, "proxy:list")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `["http://p1"]`, v)

		s.FastForward(2 * time.Minute)
		_, ok, err = store.Get(ctx, "proxy:list")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetNX", func(t *testing.T) {
		ok, err := store.SetNX(ctx, "alert:t1", "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.SetNX(ctx, "alert:t1", "1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Delete(ctx, "alert:t1"))
		ok, err = store.SetNX(ctx, "alert:t1", "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ServerDown", func(t *testing.T) {
		s.Close()
		_, _, err := store.Get(ctx, "proxy:list")
		assert.Error(t, err)
	})

	t.Run("NilClient", func(t *testing.T) {
		empty := NewRedisStateStore(nil)
		_, _, err := empty.Get(ctx, "x")
		assert.Error(t, err)
		assert.Error(t, empty.Set(ctx, "x", "y", 0))
		_, err = empty.SetNX(ctx, "x", "y", 0)
		assert.Error(t, err)
		assert.Error(t, empty.Delete(ctx, "x"))
	})
}
