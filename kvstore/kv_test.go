package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisFromClient(client, time.Hour)
	t.Cleanup(func() { store.Close() })
	return mr, store
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "room:1", []byte(`[1]`)))
	v, err := s.Get(ctx, "room:1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1]`), v)

	require.NoError(t, s.Set(ctx, "room:1", []byte(`[1,2]`)))
	v, err = s.Get(ctx, "room:1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1,2]`), v)

	require.NoError(t, s.Delete(ctx, "room:1"))
	_, err = s.Get(ctx, "room:1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "never-set"))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)

	t.Run("values are copied", func(t *testing.T) {
		buf := []byte("abc")
		require.NoError(t, m.Set(context.Background(), "k", buf))
		buf[0] = 'x'
		v, _ := m.Get(context.Background(), "k")
		assert.Equal(t, "abc", string(v))
		assert.Equal(t, []string{"k"}, m.Keys())
	})
}

func TestRedis(t *testing.T) {
	mr, s := setupTestRedis(t)
	exerciseStore(t, s)

	t.Run("ttl applied", func(t *testing.T) {
		require.NoError(t, s.Set(context.Background(), "ttl", []byte("v")))
		assert.Equal(t, time.Hour, mr.TTL("ttl"))
		mr.FastForward(2 * time.Hour)
		_, err := s.Get(context.Background(), "ttl")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("NewRedis pings", func(t *testing.T) {
		s2, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", 0)
		require.NoError(t, err)
		defer s2.Close()
		assert.NoError(t, s2.Ping(context.Background()))
	})

	t.Run("NewRedis rejects bad url", func(t *testing.T) {
		_, err := NewRedis(context.Background(), "://bad", 0)
		assert.Error(t, err)
	})
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "chatsync.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}
