package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheGetSet(t *testing.T) {
	c := NewTTLCache[[]string]()

	_, ok := c.Get("spreads")
	require.False(t, ok)

	c.Set("spreads", []string{"a", "b"}, time.Minute)
	got, ok := c.Get("spreads")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache[int]()

	c.Set("k", 42, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewTTLCache[int]()

	c.Set("k", 1, 0)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestTTLCacheOverwrite(t *testing.T) {
	c := NewTTLCache[int]()

	c.Set("k", 1, time.Minute)
	c.Set("k", 2, time.Minute)
	got, _ := c.Get("k")
	assert.Equal(t, 2, got)
}
