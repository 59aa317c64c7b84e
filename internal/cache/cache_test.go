package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	recurringdomain "github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache[string, int]().(*ttlCache[string, int])
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", 1, time.Minute)
	c.Set("ignored", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("ignored")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTemplateCache(t *testing.T) {
	c := NewTemplateCache()
	tmpl := recurringdomain.Template{ID: snowflake.ID(42), Name: "Hosting"}

	c.Set(tmpl)
	got, ok := c.Get("42")
	assert.True(t, ok)
	assert.Equal(t, "Hosting", got.Name)

	c.Invalidate("42")
	_, ok = c.Get("42")
	assert.False(t, ok)

	c.Set(recurringdomain.Template{})
	_, ok = c.Get("0")
	assert.False(t, ok)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "template|abc", cacheKey(" Template ", "", "ABC"))
}

func TestJSONStoreRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewJSONStore(client)
	ctx := context.Background()

	type payload struct {
		Count int `json:"count"`
	}
	var got payload
	ok, err := store.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, Key("projection", "42"), payload{Count: 3}, time.Minute))
	ok, err = store.Get(ctx, Key("projection", "42"), &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, got.Count)

	srv.FastForward(2 * time.Minute)
	ok, err = store.Get(ctx, Key("projection", "42"), &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONStoreWithoutClient(t *testing.T) {
	store := NewJSONStore(nil)
	assert.False(t, store.Enabled())
	require.NoError(t, store.Set(context.Background(), "k", 1, time.Minute))
	var v int
	ok, err := store.Get(context.Background(), "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}
