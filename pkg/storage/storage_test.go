package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdapter(t *testing.T, store Adapter) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key returns nil nil", func(t *testing.T) {
		v, err := store.Get(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("set get delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k1", []byte("v1")))
		v, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		require.NoError(t, store.Delete(ctx, "k1"))
		v, err = store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("keys by prefix", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "app:cache:a", []byte("1")))
		require.NoError(t, store.Set(ctx, "app:cache:b", []byte("2")))
		require.NoError(t, store.Set(ctx, "app:ledger:c", []byte("3")))

		keys, err := store.Keys(ctx, "app:cache:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"app:cache:a", "app:cache:b"}, keys)
	})
}

func TestMemoryAdapter(t *testing.T) {
	testAdapter(t, NewMemoryAdapter())
}

func TestMemoryAdapterCopies(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	val := []byte("original")
	require.NoError(t, m.Set(ctx, "k", val))
	val[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got, "stored value is isolated from the caller's slice")

	got[0] = 'Y'
	again, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("original"), again, "returned value is a copy too")
}

func TestRedisAdapter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	testAdapter(t, NewRedisAdapter(client, nil))
}

func TestNewRedisAdapterURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	a, err := NewRedisAdapterURL(ctx, "redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	require.NoError(t, a.Set(ctx, "k", []byte("v")))
	v, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	t.Run("bad URL", func(t *testing.T) {
		_, err := NewRedisAdapterURL(ctx, "not-a-url", nil)
		assert.Error(t, err)
	})
}
