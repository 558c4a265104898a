package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
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

type evictRecord struct {
	key    string
	value  int
	reason EvictReason
}

func TestNew_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		c, err := New[string, int](size)
		assert.Nil(t, c)
		assert.True(t, errors.Is(err, ErrInvalidSize), "size=%d", size)
	}

	c, err := NewWithOptions(Options[string, int]{MaxSize: -5})
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestNewWithOptions_DefaultSize(t *testing.T) {
	c, err := NewWithOptions(Options[string, int]{})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, DefaultMaxSize, c.MaxSize())
}

func TestLRU_SizeOne(t *testing.T) {
	c, err := New[string, int](1)
	require.NoError(t, err)
	defer c.Close()

	c.Set("k1", 100)
	c.Set("k2", 200)

	assert.False(t, c.Has("k1"))
	v, ok := c.Get("k2")
	assert.True(t, ok)
	assert.Equal(t, 200, v)
	assert.Equal(t, 1, c.Size())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []evictRecord
	c, err := NewWithOptions(Options[string, int]{
		MaxSize: 3,
		OnEvict: func(key string, value int, reason EvictReason) {
			evicted = append(evicted, evictRecord{key, value, reason})
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)

	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
	assert.Equal(t, []evictRecord{{"b", 2, EvictReasonCapacity}}, evicted)
	assert.Equal(t, []string{"c", "a", "d"}, c.Keys())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 3, stats.Size)
}

func TestLRU_CapacityInvariant(t *testing.T) {
	c, err := New[int, int](5)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 100; i++ {
		c.Set(i%17, i)
		require.LessOrEqual(t, c.Size(), c.MaxSize())
	}
	// 17个键轮转写入容量为5的缓存，除前5次外每次写入都会淘汰一个条目
	assert.Equal(t, uint64(95), c.Stats().Evictions)
}

func TestLRU_OverwriteMovesToNewestWithoutEviction(t *testing.T) {
	var evicted []evictRecord
	c, err := NewWithOptions(Options[string, int]{
		MaxSize: 2,
		OnEvict: func(key string, value int, reason EvictReason) {
			evicted = append(evicted, evictRecord{key, value, reason})
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	assert.Empty(t, evicted)
	assert.Equal(t, []string{"b", "a"}, c.Keys())

	c.Set("c", 3)
	assert.Equal(t, []evictRecord{{"b", 2, EvictReasonCapacity}}, evicted)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestLRU_HasHasNoSideEffects(t *testing.T) {
	c, err := New[string, int](2)
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("zzz"))

	// Has 不提升访问顺序，a 仍然是最久未使用
	c.Set("c", 3)
	assert.False(t, c.Has("a"))

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestLRU_MissCounting(t *testing.T) {
	c, err := New[string, int](2)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestLRU_DeleteFiresManual(t *testing.T) {
	var evicted []evictRecord
	c, err := NewWithOptions(Options[string, int]{
		MaxSize: 2,
		OnEvict: func(key string, value int, reason EvictReason) {
			evicted = append(evicted, evictRecord{key, value, reason})
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, []evictRecord{{"a", 1, EvictReasonManual}}, evicted)
	assert.Zero(t, c.Stats().Evictions)
}

func TestLRU_LazyExpiration(t *testing.T) {
	clock := newFakeClock()
	var evicted []evictRecord
	var mu sync.Mutex
	c, err := NewWithOptions(Options[string, int]{
		MaxSize: 3,
		TTL:     time.Hour, // 后台清理间隔远大于测试时长，只验证惰性过期
		Now:     clock.Now,
		OnEvict: func(key string, value int, reason EvictReason) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, evictRecord{key, value, reason})
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	clock.Advance(time.Hour)

	// 恰好到期时刻仍然有效
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(time.Millisecond)

	// Has 不触发惰性过期
	assert.True(t, c.Has("a"))

	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.False(t, c.Has("a"))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Zero(t, stats.Evictions)

	mu.Lock()
	assert.Equal(t, []evictRecord{{"a", 1, EvictReasonTTL}}, evicted)
	mu.Unlock()
}

func TestLRU_DeleteExpired(t *testing.T) {
	clock := newFakeClock()
	c, err := NewWithOptions(Options[string, int]{
		MaxSize: 10,
		TTL:     time.Hour,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	clock.Advance(30 * time.Minute)
	c.Set("c", 3)
	clock.Advance(31 * time.Minute)

	assert.Equal(t, 2, c.DeleteExpired())
	assert.Equal(t, []string{"c"}, c.Keys())
	assert.Equal(t, uint64(2), c.Stats().Expirations)
}

func TestLRU_BackgroundSweep(t *testing.T) {
	var mu sync.Mutex
	reasons := map[string]EvictReason{}
	c, err := NewWithOptions(Options[string, int]{
		MaxSize: 3,
		TTL:     100 * time.Millisecond,
		OnEvict: func(key string, _ int, reason EvictReason) {
			mu.Lock()
			defer mu.Unlock()
			reasons[key] = reason
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	time.Sleep(250 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, c.Stats().Expirations, uint64(3))
	assert.Zero(t, c.Stats().Hits)

	mu.Lock()
	defer mu.Unlock()
	for _, k := range []string{"a", "b", "c"} {
		assert.Equal(t, EvictReasonTTL, reasons[k], "key=%s", k)
	}
}

func TestLRU_ClearResetsStats(t *testing.T) {
	c, err := New[string, int](1)
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("b")
	c.Get("a")

	before := c.Stats()
	require.NotZero(t, before.Evictions)
	require.NotZero(t, before.Hits)
	require.NotZero(t, before.Misses)

	c.Clear()

	assert.Equal(t, Stats{}, c.Stats())
	assert.False(t, c.Has("b"))
}

func TestLRU_ClearRestartsSweepOnSet(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, err := NewWithOptions(Options[string, int]{MaxSize: 2, TTL: 40 * time.Millisecond})
	require.NoError(t, err)

	c.Set("a", 1)
	c.Clear()
	c.Set("b", 2)

	time.Sleep(120 * time.Millisecond)
	assert.False(t, c.Has("b"))

	c.Close()
}

func TestLRU_CloseStopsSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, err := NewWithOptions(Options[string, int]{MaxSize: 2, TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	c.Set("a", 1)
	c.Close()

	assert.Zero(t, c.Size())

	// 关闭后写入不会重新启动后台清理
	c.Set("b", 2)
	assert.True(t, c.Has("b"))
}

func TestLRU_CallbackMayReenter(t *testing.T) {
	var c *LRU[string, int]
	var seen []string
	c, err := NewWithOptions(Options[string, int]{
		MaxSize: 1,
		OnEvict: func(key string, _ int, _ EvictReason) {
			seen = append(seen, key)
			_ = c.Size()
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	assert.Equal(t, []string{"a"}, seen)
}

func TestLRU_SweepCallbackMayClearOrClose(t *testing.T) {
	tests := []struct {
		name  string
		reset func(c *LRU[string, int])
	}{
		{"Clear", func(c *LRU[string, int]) { c.Clear() }},
		{"Close", func(c *LRU[string, int]) { c.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			var c *LRU[string, int]
			called := make(chan struct{}, 1)
			c, err := NewWithOptions(Options[string, int]{
				MaxSize: 4,
				TTL:     20 * time.Millisecond,
				OnEvict: func(_ string, _ int, reason EvictReason) {
					if reason != EvictReasonTTL {
						return
					}
					tt.reset(c)
					select {
					case called <- struct{}{}:
					default:
					}
				},
			})
			require.NoError(t, err)

			c.Set("a", 1)
			select {
			case <-called:
			case <-time.After(2 * time.Second):
				t.Fatal("后台清理未触发回调")
			}
			assert.Zero(t, c.Size())

			// 清空后重新写入，后台清理仍能正常启动和停止
			c.Set("b", 2)
			time.Sleep(60 * time.Millisecond)
			c.Close()
		})
	}
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c, err := NewWithOptions(Options[int, int]{MaxSize: 16, TTL: time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Set(i%32, g)
				c.Get((i + g) % 32)
				c.Has(i % 7)
				if i%50 == 0 {
					c.Delete(i % 32)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), c.MaxSize())
}
