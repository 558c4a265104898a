package toolguard

import (
	"strconv"
	"time"

	"github.com/Fischlvor/go-toolguard/drivers/algorithm"
)

// DefaultKey 未指定key时使用的全局计数key
const DefaultKey = "global"

// 限流相关的响应头
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// LimitBy 限流维度
type LimitBy string

const (
	// LimitByGlobal 所有匹配的工具共享一个计数
	LimitByGlobal LimitBy = "global"
	// LimitByTool 每个工具单独计数
	LimitByTool LimitBy = "tool"
	// LimitBySession 每个MCP会话单独计数
	LimitBySession LimitBy = "session"
)

// Decision 一次限流检查的结果
type Decision struct {
	// Allowed 是否允许通过
	Allowed bool
	// Limit 限流阈值，为0表示未参与限流（已禁用或白名单）
	Limit int64
	// Remaining 剩余配额
	Remaining int64
	// ResetAt 窗口结束时间（Unix毫秒）
	ResetAt int64
	// RetryAfter 建议重试时间（秒），仅拒绝时有值
	RetryAfter int64
}

// Tracked 是否经过限流计数
func (d *Decision) Tracked() bool {
	return d != nil && d.Limit > 0
}

// ResetSeconds 窗口结束时间（Unix秒，向上取整）
func (d *Decision) ResetSeconds() int64 {
	return (d.ResetAt + 999) / 1000
}

// Metadata 附加到工具结果上的限流信息
func (d *Decision) Metadata() map[string]any {
	m := map[string]any{
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset":     d.ResetSeconds(),
	}
	if !d.Allowed {
		m["retryAfter"] = d.RetryAfter
	}
	return m
}

// Headers 对应的HTTP响应头
func (d *Decision) Headers() map[string]string {
	h := map[string]string{
		HeaderLimit:     strconv.FormatInt(d.Limit, 10),
		HeaderRemaining: strconv.FormatInt(d.Remaining, 10),
		HeaderReset:     strconv.FormatInt(d.ResetSeconds(), 10),
	}
	if !d.Allowed {
		h[HeaderRetryAfter] = strconv.FormatInt(d.RetryAfter, 10)
	}
	return h
}

func newDecision(ctx *algorithm.Context) *Decision {
	return &Decision{
		Allowed:    ctx.Allowed,
		Limit:      ctx.Limit,
		Remaining:  ctx.Remaining,
		ResetAt:    ctx.ResetAt,
		RetryAfter: ctx.RetryAfter,
	}
}

// Rule 限流规则
type Rule struct {
	// Name 规则名称
	Name string
	// Tool 工具名匹配（支持通配符 *）
	Tool string
	// By 限流维度
	By LimitBy
	// Limit 限流阈值（请求数）
	Limit int64
	// Window 时间窗口
	Window time.Duration
}

// Store 窗口状态存储接口
type Store interface {
	// Load 读取窗口状态，不存在时返回 ok = false
	Load(key string) (w algorithm.Window, ok bool, err error)
	// Save 保存窗口状态，ttl 为窗口剩余时长，存储可据此清理过期状态
	Save(key string, w algorithm.Window, ttl time.Duration) error
}
