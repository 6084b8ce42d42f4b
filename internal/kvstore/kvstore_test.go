package kvstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// storeContract проверяет общее поведение всех реализаций Store.
func storeContract(t *testing.T, s Store, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k1", "v1", time.Minute))
		v, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "short", "v", time.Second))
		advance(2 * time.Second)
		_, err := s.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set if exists", func(t *testing.T) {
		ok, err := s.SetIfExists(ctx, "absent", "v", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = s.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, "present", "v1", time.Minute))
		ok, err = s.SetIfExists(ctx, "present", "v2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		v, err := s.Get(ctx, "present")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)
	})

	t.Run("expire extends ttl", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "ext", "v", 2*time.Second))
		require.NoError(t, s.Expire(ctx, "ext", time.Minute))
		advance(5 * time.Second)
		_, err := s.Get(ctx, "ext")
		assert.NoError(t, err)

		assert.ErrorIs(t, s.Expire(ctx, "nope", time.Minute), ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "del", "v", time.Minute))
		require.NoError(t, s.Delete(ctx, "del"))
		_, err := s.Get(ctx, "del")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.Delete(ctx, "del"))
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(0, WithClock(clock.Now))
	defer s.Close()
	storeContract(t, s, clock.Advance)
}

func TestRedisStore_Contract(t *testing.T) {
	s, mr := newRedisStore(t)
	storeContract(t, s, mr.FastForward)
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(0, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", time.Second))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	clock.Advance(time.Minute)
	s.purgeExpired()

	assert.Equal(t, 1, s.Len())
}

// flakyStore — основной бэкенд, который можно "уронить".
type flakyStore struct {
	Store
	mu   sync.Mutex
	down bool
}

var errBackendDown = errors.New("backend down")

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStore) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.isDown() {
		return errBackendDown
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if f.isDown() {
		return "", errBackendDown
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if f.isDown() {
		return errBackendDown
	}
	return f.Store.Delete(ctx, key)
}

func (f *flakyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if f.isDown() {
		return errBackendDown
	}
	return f.Store.Expire(ctx, key, ttl)
}

func (f *flakyStore) SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.isDown() {
		return false, errBackendDown
	}
	return f.Store.SetIfExists(ctx, key, value, ttl)
}

func TestFallbackStore_ServesFromMemoryWhenPrimaryDown(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{Store: NewMemoryStore(0)}
	fallback := NewMemoryStore(0)
	s := NewFallbackStore(primary, fallback, FallbackConfig{Name: "test", FailureThreshold: 2})

	require.NoError(t, s.Set(ctx, "lease:x", "addr-1", time.Minute))

	primary.setDown(true)

	v, err := s.Get(ctx, "lease:x")
	require.NoError(t, err)
	assert.Equal(t, "addr-1", v)

	require.NoError(t, s.Set(ctx, "lease:y", "addr-2", time.Minute))
	v, err = s.Get(ctx, "lease:y")
	require.NoError(t, err)
	assert.Equal(t, "addr-2", v)

	require.NoError(t, s.Delete(ctx, "lease:y"))
	_, err = s.Get(ctx, "lease:y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallbackStore_NotFoundDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore(0)
	s := NewFallbackStore(primary, NewMemoryStore(0), FallbackConfig{FailureThreshold: 1})

	for i := 0; i < 5; i++ {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", s.State().String())
}

func TestFallbackStore_OpensCircuit(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{Store: NewMemoryStore(0)}
	s := NewFallbackStore(primary, NewMemoryStore(0), FallbackConfig{FailureThreshold: 2, OpenTimeout: time.Hour})

	primary.setDown(true)
	for i := 0; i < 3; i++ {
		_, _ = s.Get(ctx, "k")
	}
	assert.Equal(t, "open", s.State().String())
}

// --- Open Tests ---

func TestOpen_MemoryOnly(t *testing.T) {
	store, closer, err := Open(context.Background(), "", FallbackConfig{})
	require.NoError(t, err)
	defer closer()

	_, ok := store.(*MemoryStore)
	assert.True(t, ok, "expected *MemoryStore, got %T", store)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, closer, err := Open(context.Background(), "redis://"+mr.Addr()+"/0", FallbackConfig{})
	require.NoError(t, err)
	defer closer()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}
