package redis

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	toolguard "github.com/Fischlvor/go-toolguard"
	"github.com/Fischlvor/go-toolguard/drivers/algorithm"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
	})
	return mr, client
}

func TestRedisStore_LoadMissing(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewStore(client, "test")

	_, ok, err := store.Load("missing")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Error("不存在的key应返回 ok = false")
	}
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "test")

	w := algorithm.Window{Start: 1700000000123, Count: 7}
	if err := store.Save("global", w, 30*time.Second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := store.Load("global")
	if err != nil || !ok {
		t.Fatalf("Load() ok = %v err = %v", ok, err)
	}
	if got != w {
		t.Errorf("Load() = %+v, want %+v", got, w)
	}

	// 检查前缀和过期时间
	if !mr.Exists("test:global") {
		t.Error("key 应带有前缀 test:")
	}
	if ttl := mr.TTL("test:global"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("TTL = %v, want (0, 30s]", ttl)
	}
}

func TestRedisStore_Expire(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "")

	if err := store.Save("k", algorithm.Window{Start: 1, Count: 1}, time.Second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	mr.FastForward(2 * time.Second)

	if _, ok, err := store.Load("k"); ok || err != nil {
		t.Errorf("过期后 Load() ok = %v err = %v, want false nil", ok, err)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "")

	mr.HSet("bad", "start", "abc")
	mr.HSet("bad", "count", "1")

	if _, _, err := store.Load("bad"); err == nil {
		t.Error("期望解析错误")
	}
	if _, _, err := store.(*Store).Take("bad", 1000, 5, 1000); err == nil {
		t.Error("Take 期望解析错误")
	}
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "")
	mr.Close()

	if _, _, err := store.Load("k"); err == nil {
		t.Error("Redis不可用时期望错误")
	}
	if _, _, err := store.(*Store).Take("k", 1000, 5, 1000); err == nil {
		t.Error("Redis不可用时 Take 期望错误")
	}
}

func TestRedisStore_WithLimiter(t *testing.T) {
	_, client := setupTestRedis(t)

	now := time.UnixMilli(1000)
	config := toolguard.DefaultConfig()
	config.RateLimit.MaxRequests = 2
	config.RateLimit.WindowMs = 10000

	limiter, err := toolguard.NewFromConfig(config, NewStore(client, "rl"),
		toolguard.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}

	want := []bool{true, true, false}
	for i, w := range want {
		d, err := limiter.Consume("")
		if err != nil {
			t.Fatalf("Consume() error = %v", err)
		}
		if d.Allowed != w {
			t.Errorf("第%d次 Allowed = %v, want %v", i+1, d.Allowed, w)
		}
	}

	now = time.UnixMilli(12001)
	d, err := limiter.Consume("")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !d.Allowed || d.Remaining != 1 {
		t.Errorf("窗口重置后 Allowed = %v Remaining = %d, want true 1", d.Allowed, d.Remaining)
	}
}

func TestRedisStore_Take(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "test").(*Store)

	steps := []struct {
		name      string
		now       int64
		wantStart int64
		wantCount int64
		wantAllow bool
	}{
		{"新窗口", 1000, 1000, 1, true},
		{"窗口内", 4000, 1000, 2, true},
		{"超过阈值", 5000, 1000, 2, false},
		{"窗口过期", 11000, 11000, 1, true},
	}

	for _, s := range steps {
		w, allowed, err := store.Take("global", s.now, 2, 10000)
		if err != nil {
			t.Fatalf("%s: Take() error = %v", s.name, err)
		}
		if allowed != s.wantAllow {
			t.Errorf("%s: allowed = %v, want %v", s.name, allowed, s.wantAllow)
		}
		if w.Start != s.wantStart || w.Count != s.wantCount {
			t.Errorf("%s: window = %+v, want {Start:%d Count:%d}", s.name, w, s.wantStart, s.wantCount)
		}
	}

	// 与 Load 读取的是同一份状态
	got, ok, err := store.Load("global")
	if err != nil || !ok {
		t.Fatalf("Load() ok = %v err = %v", ok, err)
	}
	if got != (algorithm.Window{Start: 11000, Count: 1}) {
		t.Errorf("Load() = %+v", got)
	}
	if ttl := mr.TTL("test:global"); ttl != 10*time.Second {
		t.Errorf("TTL = %v, want 10s", ttl)
	}
}

// TestRedisStore_SharedAcrossProcesses 多个限流器实例（各自的连接）共享同一个阈值
func TestRedisStore_SharedAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)

	const (
		instances = 4
		workers   = 25
		limit     = 10
	)

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() {
			client.Close()
		})
		limiter := algorithm.NewFixedWindowLimiter(NewStore(client, "shared"), nil)

		for j := 0; j < workers; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := limiter.Allow("global", limit, time.Minute)
				if err != nil {
					t.Errorf("Allow() error = %v", err)
					return
				}
				if result.Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}()
		}
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want %d", allowed, limit)
	}
}
