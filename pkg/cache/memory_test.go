package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...MemoryOption) *MemoryCache {
	t.Helper()
	mc := NewMemoryCache(opts...)
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

func TestMemorySetGet(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "signal:tok", `{"token_id":"tok"}`, time.Hour))

	var raw string
	require.NoError(t, mc.Get(ctx, "signal:tok", &raw))
	assert.Equal(t, `{"token_id":"tok"}`, raw)

	var typed struct {
		TokenID string `json:"token_id"`
	}
	require.NoError(t, mc.Get(ctx, "signal:tok", &typed))
	assert.Equal(t, "tok", typed.TokenID)
}

func TestMemoryGetMiss(t *testing.T) {
	mc := newTestCache(t)

	var out string
	err := mc.Get(context.Background(), "absent", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryExpiry(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var out string
	assert.ErrorIs(t, mc.Get(ctx, "k", &out), ErrCacheMiss)

	keys, err := mc.Keys(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryNonStringValuesStoredAsJSON(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "snap", map[string]int{"failures": 2}, time.Hour))

	got, err := mc.MGet(ctx, "snap")
	require.NoError(t, err)
	assert.JSONEq(t, `{"failures":2}`, got["snap"])
}

func TestMemoryKeysPrefixPattern(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"signal:a", "signal:b", "circuit:x"} {
		require.NoError(t, mc.Set(ctx, k, "v", time.Hour))
	}

	keys, err := mc.Keys(ctx, "signal:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"signal:a", "signal:b"}, keys)

	exact, err := mc.Keys(ctx, "circuit:x")
	require.NoError(t, err)
	assert.Equal(t, []string{"circuit:x"}, exact)
}

func TestMemoryMGetSkipsMissing(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", "1", time.Hour))

	got, err := mc.MGet(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, got)
}

func TestMemoryLRUEviction(t *testing.T) {
	mc := newTestCache(t, WithMemoryMaxSize(2))
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "old", "1", time.Hour))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, mc.Set(ctx, "mid", "2", time.Hour))
	time.Sleep(2 * time.Millisecond)

	// touching old makes mid the eviction candidate
	var out string
	require.NoError(t, mc.Get(ctx, "old", &out))
	require.NoError(t, mc.Set(ctx, "new", "3", time.Hour))

	assert.ErrorIs(t, mc.Get(ctx, "mid", &out), ErrCacheMiss)
	require.NoError(t, mc.Get(ctx, "old", &out))
	require.NoError(t, mc.Get(ctx, "new", &out))
}

func TestMGetTypedSkipsCorruptEntries(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	type snap struct {
		Name string `json:"name"`
	}

	require.NoError(t, mc.Set(ctx, "ok", `{"name":"clob_api"}`, time.Hour))
	require.NoError(t, mc.Set(ctx, "bad", `{broken`, time.Hour))

	got, err := MGetTyped[snap](ctx, mc, "ok", "bad", "absent")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "clob_api", got["ok"].Name)
}
