package algorithm

import "time"

// Context 限流上下文（独立类型，不依赖核心包）
type Context struct {
	Allowed    bool  // 是否允许请求
	Limit      int64 // 限流阈值
	Remaining  int64 // 剩余配额
	ResetAt    int64 // 窗口重置时间（Unix毫秒）
	RetryAfter int64 // 建议重试时间（秒），仅在拒绝时大于0
}

// Window 单个key的固定窗口状态
type Window struct {
	// Start 窗口开始时间（Unix毫秒）
	Start int64
	// Count 窗口内已放行的请求数
	Count int64
}

// Store 窗口状态存储（algorithm包需要的最小接口）
type Store interface {
	// Load 读取窗口状态，不存在时 ok 为 false
	Load(key string) (w Window, ok bool, err error)
	// Save 保存窗口状态，ttl 为窗口剩余时长，存储可据此清理过期状态
	Save(key string, w Window, ttl time.Duration) error
}

// AtomicStore 在一次原子操作中完成窗口检查和计数的存储。
// 多个进程共享窗口状态时使用，避免读取和写回之间被其他进程插入。
type AtomicStore interface {
	Store
	// Take 窗口不存在或已过期时开启新窗口（开始时间为 now），计数小于 limit 时加一。
	// 返回操作后的窗口状态以及是否放行。
	Take(key string, now, limit, windowMs int64) (w Window, allowed bool, err error)
}

// Clock 时钟，测试时注入以获得确定的结果
type Clock func() time.Time

// Algorithm 限流算法接口
type Algorithm interface {
	Allow(key string, limit int64, window time.Duration) (*Context, error)
}
