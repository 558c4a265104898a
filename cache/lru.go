// Package cache 提供带TTL过期与统计信息的LRU缓存
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMaxSize 未指定容量时的默认容量
const DefaultMaxSize = 100

// ErrInvalidSize 容量小于1
var ErrInvalidSize = errors.New("cache: maxSize 必须大于等于1")

// EvictReason 条目被移除的原因
type EvictReason string

const (
	// EvictReasonCapacity 容量已满，淘汰最久未使用的条目
	EvictReasonCapacity EvictReason = "capacity"
	// EvictReasonTTL 条目过期
	EvictReasonTTL EvictReason = "ttl"
	// EvictReasonManual 调用 Delete 主动删除
	EvictReasonManual EvictReason = "manual"
)

// Options 缓存配置
type Options[K comparable, V any] struct {
	// MaxSize 最大条目数。0 是未设置的零值，使用 DefaultMaxSize；小于0返回 ErrInvalidSize。
	// 注意 New(0) 会直接返回 ErrInvalidSize，只有 Options 的零值才表示默认容量。
	MaxSize int
	// TTL 条目存活时间，0 表示永不过期
	TTL time.Duration
	// OnEvict 条目被移除时回调，覆盖写入未过期条目时不会触发
	OnEvict func(key K, value V, reason EvictReason)
	// Now 时钟，测试时可注入
	Now func() time.Time
}

// Stats 缓存统计信息
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Size        int    `json:"size"`
}

type entry[V any] struct {
	value     V
	expiresAt time.Time // 零值表示不过期
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type eviction[K comparable, V any] struct {
	key    K
	value  V
	reason EvictReason
}

// LRU 线程安全的LRU缓存。最近使用的条目位于链表最新一端。
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	items   *simplelru.LRU[K, entry[V]]
	maxSize int
	ttl     time.Duration
	onEvict func(K, V, EvictReason)
	now     func() time.Time
	stats   Stats

	sweep  *sweeper
	closed bool
}

// sweeper 一次后台清理协程的生命周期
type sweeper struct {
	stop chan struct{}
	done chan struct{}
	// notifying 协程正在执行回调，由 LRU.mu 保护
	notifying bool
}

// New 创建指定容量、不过期的缓存
func New[K comparable, V any](maxSize int) (*LRU[K, V], error) {
	if maxSize < 1 {
		return nil, ErrInvalidSize
	}
	return NewWithOptions(Options[K, V]{MaxSize: maxSize})
}

// NewWithOptions 按配置创建缓存。配置了TTL时会启动后台清理协程，间隔为 TTL/2。
func NewWithOptions[K comparable, V any](opts Options[K, V]) (*LRU[K, V], error) {
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	if maxSize < 1 {
		return nil, ErrInvalidSize
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}

	items, err := simplelru.NewLRU[K, entry[V]](maxSize, nil)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	l := &LRU[K, V]{
		items:   items,
		maxSize: maxSize,
		ttl:     opts.TTL,
		onEvict: opts.OnEvict,
		now:     now,
	}

	l.mu.Lock()
	l.startSweepLocked()
	l.mu.Unlock()

	return l, nil
}

// Get 读取条目。命中时提升为最近使用；过期条目会被删除并计为一次过期和一次未命中。
func (l *LRU[K, V]) Get(key K) (V, bool) {
	var zero V

	l.mu.Lock()
	e, ok := l.items.Peek(key)
	if !ok {
		l.stats.Misses++
		l.mu.Unlock()
		return zero, false
	}

	if e.expired(l.now()) {
		l.items.Remove(key)
		l.stats.Expirations++
		l.stats.Misses++
		l.mu.Unlock()
		l.notify(eviction[K, V]{key: key, value: e.value, reason: EvictReasonTTL})
		return zero, false
	}

	l.items.Get(key)
	l.stats.Hits++
	l.mu.Unlock()
	return e.value, true
}

// Set 写入条目，写入后该条目为最近使用
func (l *LRU[K, V]) Set(key K, value V) {
	var evicted []eviction[K, V]

	l.mu.Lock()
	now := l.now()

	if old, ok := l.items.Peek(key); ok {
		l.items.Remove(key)
		// 覆盖一个已过期的条目等同于一次过期
		if old.expired(now) {
			l.stats.Expirations++
			evicted = append(evicted, eviction[K, V]{key: key, value: old.value, reason: EvictReasonTTL})
		}
	}

	if l.items.Len() >= l.maxSize {
		if k, old, ok := l.items.RemoveOldest(); ok {
			l.stats.Evictions++
			evicted = append(evicted, eviction[K, V]{key: k, value: old.value, reason: EvictReasonCapacity})
		}
	}

	e := entry[V]{value: value}
	if l.ttl > 0 {
		e.expiresAt = now.Add(l.ttl)
	}
	l.items.Add(key, e)
	l.startSweepLocked()
	l.mu.Unlock()

	l.notify(evicted...)
}

// Has 只检查键是否存在：不影响统计和访问顺序，也不会触发惰性过期。
// 已过期但尚未被清理的条目仍返回 true。
func (l *LRU[K, V]) Has(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Contains(key)
}

// Delete 删除条目，返回是否确实删除
func (l *LRU[K, V]) Delete(key K) bool {
	l.mu.Lock()
	e, ok := l.items.Peek(key)
	if ok {
		l.items.Remove(key)
	}
	l.mu.Unlock()

	if ok {
		l.notify(eviction[K, V]{key: key, value: e.value, reason: EvictReasonManual})
	}
	return ok
}

// Clear 停止后台清理、清空所有条目并将统计信息归零。
// 之后的 Set 会重新启动后台清理。
func (l *LRU[K, V]) Clear() {
	l.mu.Lock()
	sw, wait := l.stopSweepLocked()
	l.items.Purge()
	l.stats = Stats{}
	l.mu.Unlock()

	if wait {
		<-sw.done
	}
}

// Close 释放缓存：停止后台清理并清空条目，之后不会再启动后台清理
func (l *LRU[K, V]) Close() {
	l.mu.Lock()
	l.closed = true
	sw, wait := l.stopSweepLocked()
	l.items.Purge()
	l.mu.Unlock()

	if wait {
		<-sw.done
	}
}

// DeleteExpired 删除所有已过期条目，返回删除数量。后台清理每次触发时调用。
func (l *LRU[K, V]) DeleteExpired() int {
	l.mu.Lock()
	evicted := l.removeExpiredLocked()
	l.mu.Unlock()

	l.notify(evicted...)
	return len(evicted)
}

func (l *LRU[K, V]) removeExpiredLocked() []eviction[K, V] {
	var evicted []eviction[K, V]
	now := l.now()
	for _, key := range l.items.Keys() {
		e, ok := l.items.Peek(key)
		if !ok || !e.expired(now) {
			continue
		}
		l.items.Remove(key)
		l.stats.Expirations++
		evicted = append(evicted, eviction[K, V]{key: key, value: e.value, reason: EvictReasonTTL})
	}
	return evicted
}

// Stats 返回统计信息快照
func (l *LRU[K, V]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Size = l.items.Len()
	return s
}

// MaxSize 返回容量
func (l *LRU[K, V]) MaxSize() int {
	return l.maxSize
}

// Size 返回当前条目数
func (l *LRU[K, V]) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Len()
}

// Keys 按从最久未使用到最近使用的顺序返回所有键
func (l *LRU[K, V]) Keys() []K {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Keys()
}

// notify 在释放锁之后调用回调，回调中可以调用缓存的任何方法
func (l *LRU[K, V]) notify(evicted ...eviction[K, V]) {
	if l.onEvict == nil {
		return
	}
	for _, ev := range evicted {
		l.onEvict(ev.key, ev.value, ev.reason)
	}
}

func (l *LRU[K, V]) startSweepLocked() {
	if l.ttl <= 0 || l.closed || l.sweep != nil {
		return
	}

	interval := l.ttl / 2
	if interval <= 0 {
		interval = l.ttl
	}

	sw := &sweeper{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.sweep = sw

	go func() {
		defer close(sw.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				l.sweepOnce(sw)
			case <-sw.stop:
				return
			}
		}
	}()
}

// sweepOnce 后台清理的一次触发。执行回调期间标记 notifying，
// 回调里调用 Clear 或 Close 时不会等待本协程退出。
func (l *LRU[K, V]) sweepOnce(sw *sweeper) {
	l.mu.Lock()
	if l.sweep != sw {
		l.mu.Unlock()
		return
	}
	evicted := l.removeExpiredLocked()
	sw.notifying = len(evicted) > 0
	l.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	l.notify(evicted...)

	l.mu.Lock()
	sw.notifying = false
	l.mu.Unlock()
}

// stopSweepLocked 通知后台清理退出。wait 为 true 时调用方须在释放锁后等待 sw.done；
// 后台清理正在执行回调时不等待，回调结束后协程自行退出。
func (l *LRU[K, V]) stopSweepLocked() (sw *sweeper, wait bool) {
	sw = l.sweep
	if sw == nil {
		return nil, false
	}
	close(sw.stop)
	l.sweep = nil
	return sw, !sw.notifying
}
