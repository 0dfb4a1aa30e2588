package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantID = "tenant-001"

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLRU(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.now
	return c, clock
}

func newRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()

	t.Run("SetGetDelete", func(t *testing.T) {
		c := NewLRUCache(100)
		require.NoError(t, c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute))

		val, err := c.Get(ctx, tenantID, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(val))

		val, err = c.Get(ctx, tenantID, "missing")
		require.NoError(t, err)
		assert.Nil(t, val)

		require.NoError(t, c.Delete(ctx, tenantID, "key1"))
		val, _ = c.Get(ctx, tenantID, "key1")
		assert.Nil(t, val)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		c, clock := newClockedLRU(10)
		require.NoError(t, c.Set(ctx, tenantID, "expiring", []byte("temp"), time.Second))

		val, _ := c.Get(ctx, tenantID, "expiring")
		assert.NotNil(t, val)

		clock.advance(2 * time.Second)
		val, _ = c.Get(ctx, tenantID, "expiring")
		assert.Nil(t, val)
	})

	t.Run("LRUEviction", func(t *testing.T) {
		c := NewLRUCache(3)
		_ = c.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = c.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, tenantID, "c", []byte("3"), time.Minute)
		_, _ = c.Get(ctx, tenantID, "a")
		_ = c.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		val, _ := c.Get(ctx, tenantID, "b")
		assert.Nil(t, val, "least recently used key is evicted")
		val, _ = c.Get(ctx, tenantID, "a")
		assert.NotNil(t, val)

		size, capacity := c.Stats()
		assert.Equal(t, 3, size)
		assert.Equal(t, 3, capacity)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, "tenant-001", "shared", []byte("one"), time.Minute)
		_ = c.Set(ctx, "tenant-002", "shared", []byte("two"), time.Minute)

		v1, _ := c.Get(ctx, "tenant-001", "shared")
		v2, _ := c.Get(ctx, "tenant-002", "shared")
		assert.Equal(t, "one", string(v1))
		assert.Equal(t, "two", string(v2))
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c := NewLRUCache(10)
		assert.ErrorIs(t, c.Set(ctx, "", "key", nil, time.Minute), domain.ErrInvalidInput)
		_, err := c.Claim(ctx, "", "key", time.Minute)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("Claim", func(t *testing.T) {
		c, clock := newClockedLRU(10)

		won, err := c.Claim(ctx, tenantID, "alert", time.Minute)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = c.Claim(ctx, tenantID, "alert", time.Minute)
		require.NoError(t, err)
		assert.False(t, won)

		won, _ = c.Claim(ctx, "tenant-002", "alert", time.Minute)
		assert.True(t, won, "claims are per tenant")

		clock.advance(2 * time.Minute)
		won, _ = c.Claim(ctx, tenantID, "alert", time.Minute)
		assert.True(t, won, "expired claims can be retaken")
	})

	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) {
		c := NewLRUCache(10)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if won, _ := c.Claim(ctx, tenantID, "k", time.Minute); won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		require.NoError(t, c.Close())
		val, _ := c.Get(ctx, tenantID, "k")
		assert.Nil(t, val)
	})
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedis(t)

	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Set(ctx, tenantID, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, tenantID, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(val))
	assert.True(t, mr.Exists("harrier:tenant-001:k"))

	require.NoError(t, c.Delete(ctx, tenantID, "k"))
	val, err = c.Get(ctx, tenantID, "k")
	require.NoError(t, err)
	assert.Nil(t, val)

	won, err := c.Claim(ctx, tenantID, "alert", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = c.Claim(ctx, tenantID, "alert", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	mr.FastForward(2 * time.Minute)
	won, err = c.Claim(ctx, tenantID, "alert", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	_, err = c.Get(ctx, "", "k")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	remote, mr := newRedis(t)
	c := newTwoPhase(NewLRUCache(10), remote, time.Minute)

	t.Run("ReadThrough", func(t *testing.T) {
		require.NoError(t, remote.Set(ctx, tenantID, "k", []byte("v"), time.Hour))

		val, err := c.Get(ctx, tenantID, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(val))

		local, _ := c.local.Get(ctx, tenantID, "k")
		assert.Equal(t, "v", string(local), "L2 hit populates L1")
	})

	t.Run("ClaimIsAuthoritativeInRedis", func(t *testing.T) {
		other := newTwoPhase(NewLRUCache(10), remote, time.Minute)

		won, err := c.Claim(ctx, tenantID, "alert", time.Hour)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = other.Claim(ctx, tenantID, "alert", time.Hour)
		require.NoError(t, err)
		assert.False(t, won, "a second process loses the claim")

		won, err = c.Claim(ctx, tenantID, "alert", time.Hour)
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, c.Ping(ctx))
		assert.Equal(t, 2, len(mr.Keys()))
	})
}

func TestClaimer(t *testing.T) {
	ctx := context.Background()

	t.Run("DefaultTTL", func(t *testing.T) {
		c, clock := newClockedLRU(10)
		claimer := NewClaimer(c, 0)
		assert.Equal(t, defaultClaimTTL, claimer.ttl)

		won, err := claimer.Claim(ctx, tenantID, "transaction_pattern|A|t1", 0)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = claimer.Claim(ctx, tenantID, "transaction_pattern|A|t1", 0)
		require.NoError(t, err)
		assert.False(t, won)

		val, _ := c.Get(ctx, tenantID, "alert:transaction_pattern|A|t1")
		assert.NotNil(t, val)

		clock.advance(6 * 24 * time.Hour)
		won, _ = claimer.Claim(ctx, tenantID, "transaction_pattern|A|t1", 0)
		assert.False(t, won)

		clock.advance(25 * time.Hour)
		won, _ = claimer.Claim(ctx, tenantID, "transaction_pattern|A|t1", 0)
		assert.True(t, won)
	})

	t.Run("PerClaimTTL", func(t *testing.T) {
		c, clock := newClockedLRU(10)
		claimer := NewClaimer(c, 0)

		won, _ := claimer.Claim(ctx, tenantID, "entity_risk|ent-1", 24*time.Hour)
		require.True(t, won)

		clock.advance(23 * time.Hour)
		won, _ = claimer.Claim(ctx, tenantID, "entity_risk|ent-1", 24*time.Hour)
		assert.False(t, won)

		clock.advance(2 * time.Hour)
		won, _ = claimer.Claim(ctx, tenantID, "entity_risk|ent-1", 24*time.Hour)
		assert.True(t, won)
	})

	t.Run("Release", func(t *testing.T) {
		c, _ := newClockedLRU(10)
		claimer := NewClaimer(c, 0)

		won, _ := claimer.Claim(ctx, tenantID, "entity_risk|ent-1", 0)
		require.True(t, won)
		require.NoError(t, claimer.Release(ctx, tenantID, "entity_risk|ent-1"))

		won, err := claimer.Claim(ctx, tenantID, "entity_risk|ent-1", 0)
		require.NoError(t, err)
		assert.True(t, won)
	})
}

func TestNew(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		require.NoError(t, err)
		defer c.Close()
		assert.IsType(t, &LRUCache{}, c)
	})

	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		require.NoError(t, err)
		defer c.Close()
		assert.IsType(t, &RedisCache{}, c)

		c2, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr(), EnableTwoPhase: true})
		require.NoError(t, err)
		defer c2.Close()
		assert.IsType(t, &TwoPhaseCache{}, c2)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})
}
