package gin

import (
	"log/slog"

	toolguard "github.com/Fischlvor/go-toolguard"
	"github.com/gin-gonic/gin"
)

// Limiter 限流器接口
type Limiter interface {
	Consume(key string) (*toolguard.Decision, error)
}

// Middleware Gin限流中间件
type Middleware struct {
	Limiter    Limiter
	Logger     *slog.Logger
	OnError    func(*gin.Context, error)
	OnExceeded func(*gin.Context, *toolguard.Decision)
	KeyGetter  func(*gin.Context) string
}

// NewMiddleware 创建Gin中间件
func NewMiddleware(limiter Limiter, options ...Option) gin.HandlerFunc {
	m := &Middleware{
		Limiter:    limiter,
		Logger:     slog.Default(),
		OnExceeded: DefaultExceededHandler,
		KeyGetter:  DefaultKeyGetter,
	}

	for _, opt := range options {
		opt(m)
	}

	// 未指定错误处理时放行并用中间件的日志记录
	if m.OnError == nil {
		m.OnError = FailOpenHandler(m.Logger)
	}

	return func(c *gin.Context) {
		m.Handle(c)
	}
}

// Handle 处理请求
func (m *Middleware) Handle(c *gin.Context) {
	result, err := m.Limiter.Consume(m.KeyGetter(c))
	if err != nil {
		m.OnError(c, err)
		return
	}

	// 未参与限流时不设置响应头
	if !result.Tracked() {
		c.Next()
		return
	}

	// 设置限流响应头
	setHeaders(c, result.Headers())

	if !result.Allowed {
		m.OnExceeded(c, result)
		return
	}

	c.Next()
}

func setHeaders(c *gin.Context, headers map[string]string) {
	for k, v := range headers {
		c.Header(k, v)
	}
}

// Option 中间件选项
type Option func(*Middleware)

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.Logger = logger
	}
}

// WithErrorHandler 自定义错误处理
func WithErrorHandler(handler func(*gin.Context, error)) Option {
	return func(m *Middleware) {
		m.OnError = handler
	}
}

// WithExceededHandler 自定义限流超出处理
func WithExceededHandler(handler func(*gin.Context, *toolguard.Decision)) Option {
	return func(m *Middleware) {
		m.OnExceeded = handler
	}
}

// WithKeyGetter 自定义key获取
func WithKeyGetter(getter func(*gin.Context) string) Option {
	return func(m *Middleware) {
		m.KeyGetter = getter
	}
}

// FailOpenHandler 默认错误处理：限流存储不可用时记录警告并放行请求
func FailOpenHandler(logger *slog.Logger) func(*gin.Context, error) {
	return func(c *gin.Context, err error) {
		logger.Warn("限流检查失败，放行请求", "path", c.Request.URL.Path, "error", err)
		c.Next()
	}
}

// AbortErrorHandler 限流检查失败时返回500
func AbortErrorHandler(c *gin.Context, err error) {
	c.JSON(500, gin.H{
		"error": "限流检查失败",
		"msg":   err.Error(),
	})
	c.Abort()
}

// DefaultExceededHandler 默认限流超出处理
func DefaultExceededHandler(c *gin.Context, result *toolguard.Decision) {
	c.JSON(429, gin.H{
		"error":      "请求过于频繁",
		"limit":      result.Limit,
		"remaining":  result.Remaining,
		"reset":      result.ResetSeconds(),
		"retryAfter": result.RetryAfter,
	})
	c.Abort()
}

// DefaultKeyGetter 默认按客户端IP限流
func DefaultKeyGetter(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}
