package algorithm

import (
	"fmt"
	"sync"
	"time"
)

var _ Algorithm = (*FixedWindowLimiter)(nil)

// FixedWindowLimiter 固定窗口限流器
//
// 窗口到期后配额立即全部恢复，而不是逐步滑动恢复，所以在窗口边界处
// 最多可能出现 2 倍阈值的突发流量。
type FixedWindowLimiter struct {
	mu    sync.Mutex
	store Store
	clock Clock
}

// NewFixedWindowLimiter 创建固定窗口限流器，clock 为 nil 时使用 time.Now
func NewFixedWindowLimiter(store Store, clock Clock) *FixedWindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &FixedWindowLimiter{
		store: store,
		clock: clock,
	}
}

// Allow 检查是否允许请求，允许时消耗一次配额。
// 存储实现了 AtomicStore 时由存储原子地完成检查和计数。
func (l *FixedWindowLimiter) Allow(key string, limit int64, window time.Duration) (*Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UnixMilli()
	windowMs := window.Milliseconds()

	if s, ok := l.store.(AtomicStore); ok {
		w, allowed, err := s.Take(key, now, limit, windowMs)
		if err != nil {
			return nil, fmt.Errorf("更新窗口状态失败: %w", err)
		}
		return newContext(w, allowed, now, limit, windowMs), nil
	}

	w, ok, err := l.store.Load(key)
	if err != nil {
		return nil, fmt.Errorf("读取窗口状态失败: %w", err)
	}

	// 不存在或已过期则开启新窗口，旧窗口的计数直接丢弃
	if !ok || now-w.Start >= windowMs {
		w = Window{Start: now}
	}

	allowed := w.Count < limit
	if allowed {
		w.Count++
	}

	// 拒绝时也写回，刷新过期时间
	ttl := time.Duration(w.Start+windowMs-now) * time.Millisecond
	if err := l.store.Save(key, w, ttl); err != nil {
		return nil, fmt.Errorf("保存窗口状态失败: %w", err)
	}

	return newContext(w, allowed, now, limit, windowMs), nil
}

func newContext(w Window, allowed bool, now, limit, windowMs int64) *Context {
	resetAt := w.Start + windowMs
	if !allowed {
		return &Context{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfterSeconds(resetAt - now),
		}
	}

	remaining := limit - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return &Context{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// retryAfterSeconds 向上取整到秒，至少为1，避免调用方以0间隔轮询
func retryAfterSeconds(ms int64) int64 {
	secs := (ms + 999) / 1000
	if secs < 1 {
		return 1
	}
	return secs
}
