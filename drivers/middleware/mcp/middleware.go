// Package mcp 为MCP工具注册提供限流、参数清洗和结果缓存。
//
// 通过包装 AddTool 注册的每个工具处理函数，在处理函数执行前清洗参数并检查限流，
// 执行后把限流信息写入结果的 Meta。
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	toolguard "github.com/Fischlvor/go-toolguard"
	"github.com/Fischlvor/go-toolguard/cache"
	"github.com/Fischlvor/go-toolguard/sanitize"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Meta 中使用的键
const (
	MetaRateLimit = "rateLimit"
	MetaHeaders   = "headers"
	MetaCache     = "cache"
)

// Limiter 限流器接口
type Limiter interface {
	Check(tool, session string) (*toolguard.Decision, error)
}

// Registrar 工具注册接口，*mcp.Server 实现了该接口
type Registrar interface {
	AddTool(t *mcp.Tool, h mcp.ToolHandler)
}

// Recorder 指标记录接口
type Recorder interface {
	RecordDecision(tool string, allowed bool)
	RecordCache(tool string, hit bool)
	RecordStoreError(tool string)
}

// ResultCache 工具结果缓存
type ResultCache = cache.LRU[string, *mcp.CallToolResult]

// Middleware MCP工具中间件
type Middleware struct {
	Limiter    Limiter
	Logger     *slog.Logger
	Recorder   Recorder
	Cache      *ResultCache
	CacheTools []string
	OnExceeded func(*toolguard.Decision) *mcp.CallToolResult
	SessionID  func(*mcp.CallToolRequest) string
}

// Option 中间件选项
type Option func(*Middleware)

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.Logger = logger
	}
}

// WithRecorder 指定指标记录
func WithRecorder(recorder Recorder) Option {
	return func(m *Middleware) {
		m.Recorder = recorder
	}
}

// WithCache 对匹配 tools 的工具缓存成功的结果
func WithCache(c *ResultCache, tools ...string) Option {
	return func(m *Middleware) {
		m.Cache = c
		m.CacheTools = tools
	}
}

// WithExceededHandler 自定义限流超出时返回的结果
func WithExceededHandler(handler func(*toolguard.Decision) *mcp.CallToolResult) Option {
	return func(m *Middleware) {
		m.OnExceeded = handler
	}
}

// WithSessionID 自定义会话ID获取
func WithSessionID(getter func(*mcp.CallToolRequest) string) Option {
	return func(m *Middleware) {
		m.SessionID = getter
	}
}

// NewMiddleware 创建中间件
func NewMiddleware(limiter Limiter, options ...Option) *Middleware {
	m := &Middleware{
		Limiter:    limiter,
		Logger:     slog.Default(),
		Recorder:   nopRecorder{},
		OnExceeded: DefaultExceededHandler,
		SessionID:  DefaultSessionID,
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Wrap 返回一个注册器，经它注册的工具都会被中间件包装
func (m *Middleware) Wrap(r Registrar) Registrar {
	return &registrar{next: r, m: m}
}

type registrar struct {
	next Registrar
	m    *Middleware
}

func (r *registrar) AddTool(t *mcp.Tool, h mcp.ToolHandler) {
	r.next.AddTool(t, r.m.WrapHandler(t.Name, h))
}

// WrapHandler 包装单个工具处理函数。
//
// 被限流时不会调用处理函数；限流存储出错时放行并记录警告。
func (m *Middleware) WrapHandler(name string, h mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		logger := m.Logger.With("call_id", uuid.NewString(), "tool", name)

		req = m.sanitize(req, logger)

		decision, err := m.Limiter.Check(name, m.SessionID(req))
		if err != nil {
			logger.Warn("限流检查失败，放行请求", "error", err)
			m.Recorder.RecordStoreError(name)
			decision = nil
		}

		if decision != nil {
			m.Recorder.RecordDecision(name, decision.Allowed)
			if !decision.Allowed {
				logger.Info("工具调用被限流", "retry_after", decision.RetryAfter)
				result := m.OnExceeded(decision)
				annotate(result, decision)
				return result, nil
			}
		}

		key, cacheable := m.cacheKey(name, req)
		if cacheable {
			if cached, ok := m.Cache.Get(key); ok {
				m.Recorder.RecordCache(name, true)
				result := cloneResult(cached)
				result.Meta[MetaCache] = "hit"
				annotate(result, decision)
				logger.Debug("命中结果缓存", "latency", time.Since(start))
				return result, nil
			}
			m.Recorder.RecordCache(name, false)
		}

		result, err := h(ctx, req)
		if err != nil {
			logger.Debug("工具调用失败", "error", err, "latency", time.Since(start))
			return result, err
		}
		if result == nil {
			result = &mcp.CallToolResult{}
		}

		if cacheable && !result.IsError {
			m.Cache.Set(key, cloneResult(result))
		}

		annotate(result, decision)
		logger.Debug("工具调用完成", "allowed", true, "is_error", result.IsError, "latency", time.Since(start))
		return result, nil
	}
}

// sanitize 返回参数已清洗的请求副本，无法解析的参数原样保留
func (m *Middleware) sanitize(req *mcp.CallToolRequest, logger *slog.Logger) *mcp.CallToolRequest {
	if req == nil || req.Params == nil {
		return req
	}

	clean, err := sanitize.JSON(req.Params.Arguments)
	if err != nil {
		logger.Debug("参数不是合法JSON，跳过清洗", "error", err)
		return req
	}

	params := *req.Params
	params.Arguments = clean
	out := *req
	out.Params = &params
	return &out
}

// cacheKey 工具名加清洗后的参数
func (m *Middleware) cacheKey(name string, req *mcp.CallToolRequest) (string, bool) {
	if m.Cache == nil || !matchAny(m.CacheTools, name) {
		return "", false
	}

	var args string
	if req != nil && req.Params != nil {
		args = string(req.Params.Arguments)
	}
	return name + "\x00" + args, true
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// annotate 将限流信息写入结果的 Meta，未参与限流时不写入
func annotate(result *mcp.CallToolResult, d *toolguard.Decision) {
	if result == nil || !d.Tracked() {
		return
	}
	if result.Meta == nil {
		result.Meta = mcp.Meta{}
	}
	result.Meta[MetaRateLimit] = d.Metadata()
	result.Meta[MetaHeaders] = d.Headers()
}

// cloneResult 复制结果，缓存中的结果不会被后续的修改影响
func cloneResult(r *mcp.CallToolResult) *mcp.CallToolResult {
	out := *r
	out.Meta = mcp.Meta{}
	for k, v := range r.Meta {
		out.Meta[k] = v
	}
	if r.Content != nil {
		out.Content = append([]mcp.Content(nil), r.Content...)
	}
	return &out
}

// ExceededMessage 限流时返回给调用方的提示
func ExceededMessage(d *toolguard.Decision) string {
	return fmt.Sprintf("Rate limit exceeded. Please retry after %d seconds.", d.RetryAfter)
}

// DefaultExceededHandler 默认限流超出处理
func DefaultExceededHandler(d *toolguard.Decision) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: ExceededMessage(d)}},
		IsError: true,
	}
}

// SessionHeader HTTP传输中携带会话ID的请求头
const SessionHeader = "Mcp-Session-Id"

// DefaultSessionID 默认会话ID获取，会话没有ID时读取请求头
func DefaultSessionID(req *mcp.CallToolRequest) string {
	if req == nil {
		return ""
	}
	if req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return id
		}
	}
	if req.Extra != nil && req.Extra.Header != nil {
		return req.Extra.Header.Get(SessionHeader)
	}
	return ""
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, bool) {}
func (nopRecorder) RecordCache(string, bool)    {}
func (nopRecorder) RecordStoreError(string)     {}
