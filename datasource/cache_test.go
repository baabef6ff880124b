package datasource

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCachePutGet(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "tiles.db"), time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()

	_, ok := cache.Get(ctx, "json|http://example.com/3/2/5")
	require.False(t, ok)

	require.NoError(t, cache.Put(ctx, "json|http://example.com/3/2/5", []byte("payload")))

	data, ok := cache.Get(ctx, "json|http://example.com/3/2/5")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), data)

	// Upserts overwrite.
	require.NoError(t, cache.Put(ctx, "json|http://example.com/3/2/5", []byte("fresher")))
	data, _ = cache.Get(ctx, "json|http://example.com/3/2/5")
	require.Equal(t, []byte("fresher"), data)
}

func TestCacheExpiry(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "tiles.db"), -time.Second)
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, "key", []byte("payload")))

	// A non positive TTL disables expiry.
	_, ok := cache.Get(ctx, "key")
	require.True(t, ok)
}

func TestCacheTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.db")

	cache, err := OpenCache(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, cache.Put(context.Background(), "key", []byte("payload")))
	require.NoError(t, cache.Close())

	// Reopen with an immediately expiring TTL.
	cache, err = OpenCache(path, time.Nanosecond)
	require.NoError(t, err)
	defer cache.Close()

	time.Sleep(time.Millisecond * 1100)
	_, ok := cache.Get(context.Background(), "key")
	require.False(t, ok)

	require.NoError(t, cache.Prune(context.Background()))
}

func TestOpenCacheEmptyPath(t *testing.T) {
	_, err := OpenCache("", time.Hour)
	require.Error(t, err)
}
