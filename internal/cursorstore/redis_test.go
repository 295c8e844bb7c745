package cursorstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:")
}

func TestRedisStoreAdvancesAndWraps(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	for i, want := range []int{0, 1, 2, 0, 1} {
		got, err := s.Next(ctx, "route:1", 3)
		require.NoError(t, err)
		require.Equalf(t, want, got, "call %d", i)
	}
}

func TestRedisStoreReset(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	s.Next(ctx, "a", 5)
	s.Next(ctx, "a", 5)
	require.NoError(t, s.Reset(ctx, "a"))

	got, err := s.Next(ctx, "a", 5)
	require.NoError(t, err)
	require.Equal(t, 0, got)
}
