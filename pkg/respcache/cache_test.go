package respcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t, Key("kaise ho yaar"), Key("kaise ho yaar"))
	})

	t.Run("ignores case and whitespace runs", func(t *testing.T) {
		assert.Equal(t, Key("Kaise  ho\tYaar "), Key("kaise ho yaar"))
	})

	t.Run("is order sensitive", func(t *testing.T) {
		assert.NotEqual(t, Key("ho kaise"), Key("kaise ho"))
	})

	t.Run("is fixed width hex", func(t *testing.T) {
		for _, s := range []string{"", "a", "hello world"} {
			assert.Len(t, Key(s), 16)
		}
	})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello there", Normalize("  HELLO \n there  "))
	assert.Equal(t, "", Normalize("   "))
}

func TestCache_GetSet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	backend := NewMemoryBackend(clock)
	cache := New(Config{Backend: backend, TTL: time.Hour})

	key := Key("hi")
	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)

	cache.Set(ctx, key, "hello!")
	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "hello!", got)

	t.Run("expired entries are absent", func(t *testing.T) {
		now = now.Add(time.Hour)
		_, ok := cache.Get(ctx, key)
		assert.False(t, ok)

		assert.Equal(t, 1, cache.Sweep(ctx))
		assert.Equal(t, 0, backend.Len())
	})

	t.Run("empty values are not stored", func(t *testing.T) {
		cache.Set(ctx, Key("blank"), "")
		assert.Equal(t, 0, backend.Len())
	})

	t.Run("clear drops everything", func(t *testing.T) {
		cache.Set(ctx, Key("a"), "1")
		cache.Set(ctx, Key("b"), "2")
		cache.Clear(ctx)
		assert.Equal(t, 0, backend.Len())
	})
}

func TestCache_Defaults(t *testing.T) {
	cache := New(Config{})
	assert.Equal(t, DefaultTTL, cache.TTL())
	assert.NotNil(t, cache.backend)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("backend down")
}
func (failingBackend) Set(context.Context, string, string, time.Duration) error {
	return errors.New("backend down")
}
func (failingBackend) Sweep(context.Context) (int, error) { return 0, errors.New("backend down") }
func (failingBackend) Clear(context.Context) error        { return errors.New("backend down") }

func TestCache_DegradesToMiss(t *testing.T) {
	ctx := context.Background()
	cache := New(Config{Backend: failingBackend{}})

	assert.NotPanics(t, func() {
		cache.Set(ctx, "k", "v")
		cache.Clear(ctx)
	})
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Sweep(ctx))
}

func TestRedisBackend_UnreachableServerIsAMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	backend := NewRedisBackend(client, "1700000000000_abc")
	assert.Equal(t, "sandesh:cache:1700000000000_abc:k", backend.key("k"))

	cache := New(Config{Backend: backend})
	ctx := context.Background()

	cache.Set(ctx, "k", "v")
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)

	n, err := backend.Sweep(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}
