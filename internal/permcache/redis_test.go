package permcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTier(t *testing.T) (*RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tier := NewRedisTierWithClient(client, time.Minute)
	t.Cleanup(func() { tier.Close() })
	return tier, mr
}

func TestRedisTierRoundTrip(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()

	_, ok := tier.Get(ctx, "dm@example.com")
	assert.False(t, ok)

	tier.Set(ctx, "dm@example.com", editorResult())

	got, ok := tier.Get(ctx, "dm@example.com")
	require.True(t, ok)
	assert.True(t, got.IsAllowed)
	assert.True(t, got.CanEdit)
	require.NotNil(t, got.Role)
	assert.Equal(t, "editor", *got.Role)
}

func TestRedisTierKeyIsCaseInsensitive(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()

	tier.Set(ctx, "DM@Example.COM", editorResult())

	got, ok := tier.Get(ctx, "dm@example.com")
	require.True(t, ok)
	assert.True(t, got.IsAllowed)
}

func TestRedisTierEntriesExpire(t *testing.T) {
	tier, mr := newTestTier(t)
	ctx := context.Background()

	tier.Set(ctx, "dm@example.com", editorResult())
	mr.FastForward(2 * time.Minute)

	_, ok := tier.Get(ctx, "dm@example.com")
	assert.False(t, ok)
}

func TestRedisTierInvalidate(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()

	tier.Set(ctx, "dm@example.com", editorResult())
	tier.Invalidate(ctx, "dm@example.com")

	_, ok := tier.Get(ctx, "dm@example.com")
	assert.False(t, ok)
}

func TestRedisTierCorruptEntryIsMiss(t *testing.T) {
	tier, mr := newTestTier(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("perm:dm@example.com", "{not json"))

	_, ok := tier.Get(ctx, "dm@example.com")
	assert.False(t, ok)
}

func TestNewRedisTierBadURL(t *testing.T) {
	_, err := NewRedisTier("not-a-url", time.Minute)
	assert.Error(t, err)
}
