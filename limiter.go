package toolguard

import (
	"fmt"
	"path"
	"strings"

	"github.com/Fischlvor/go-toolguard/drivers/algorithm"
	"github.com/Fischlvor/go-toolguard/drivers/store/memory"
)

// Option 限流器选项
type Option func(*Limiter)

// WithClock 指定时钟，测试时使用
func WithClock(clock algorithm.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// Limiter 限流器
type Limiter struct {
	config         *Config
	store          Store
	clock          algorithm.Clock
	fixedWindow    *algorithm.FixedWindowLimiter
	globalRule     *Rule
	rules          []*Rule
	whitelistTools []string
}

// NewFromFile 从配置文件创建限流器
func NewFromFile(configFile string, store Store, opts ...Option) (*Limiter, error) {
	// 获取配置文件路径
	configPath, err := GetConfigPath(configFile)
	if err != nil {
		return nil, err
	}

	// 加载配置
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	return NewFromConfig(config, store, opts...)
}

// NewFromConfig 从配置对象创建限流器。store 为 nil 时使用内存存储。
func NewFromConfig(config *Config, store Store, opts ...Option) (*Limiter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	if store == nil {
		store = memory.NewStore(config.Store.MaxKeys)
	}

	limiter := &Limiter{
		config:         config,
		store:          store,
		whitelistTools: config.Whitelist.Tools,
	}
	for _, opt := range opts {
		opt(limiter)
	}
	limiter.fixedWindow = algorithm.NewFixedWindowLimiter(store, limiter.clock)

	limiter.globalRule = &Rule{
		Name:   DefaultKey,
		Tool:   "*",
		By:     LimitByGlobal,
		Limit:  config.RateLimit.MaxRequests,
		Window: config.RateLimit.Window(),
	}

	// 转换规则列表
	for _, ruleConfig := range config.Rules {
		rule, err := ruleConfig.ToRule()
		if err != nil {
			return nil, fmt.Errorf("转换规则失败: %w", err)
		}
		limiter.rules = append(limiter.rules, rule)
	}

	return limiter, nil
}

// Consume 对指定key消耗一次全局配额，key 为空时使用 "global"
func (l *Limiter) Consume(key string) (*Decision, error) {
	if !l.config.RateLimit.Enabled {
		return &Decision{Allowed: true}, nil
	}
	if key == "" {
		key = DefaultKey
	}
	return l.allow(key, l.globalRule)
}

// Check 检查一次工具调用是否允许通过。
//
// 先消耗全局配额，再依次检查匹配的规则；任一检查拒绝时立即返回该结果。
// 全部通过时返回剩余配额最少的结果。
func (l *Limiter) Check(tool, session string) (*Decision, error) {
	// 检查是否启用限流
	if !l.config.RateLimit.Enabled {
		return &Decision{Allowed: true}, nil
	}

	// 检查工具白名单
	if l.IsWhitelisted(tool) {
		return &Decision{Allowed: true}, nil
	}

	// 1. 检查全局限流
	result, err := l.allow(DefaultKey, l.globalRule)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}

	// 2. 检查规则列表（按顺序匹配）
	for _, rule := range l.rules {
		if !matchTool(rule.Tool, tool) {
			continue
		}

		d, err := l.allow(l.buildKey(rule, tool, session), rule)
		if err != nil {
			return nil, err
		}

		// 如果被限流，直接返回
		if !d.Allowed {
			return d, nil
		}
		if d.Remaining < result.Remaining {
			result = d
		}
	}

	return result, nil
}

// allow 按规则执行固定窗口检查
func (l *Limiter) allow(key string, rule *Rule) (*Decision, error) {
	ctx, err := l.fixedWindow.Allow(key, rule.Limit, rule.Window)
	if err != nil {
		return nil, err
	}
	return newDecision(ctx), nil
}

// buildKey 构建规则的限流key
func (l *Limiter) buildKey(rule *Rule, tool, session string) string {
	parts := []string{"rule", rule.Name}

	// 根据限流维度添加key部分
	switch rule.By {
	case LimitByTool:
		parts = append(parts, "tool", tool)
	case LimitBySession:
		if session != "" {
			parts = append(parts, "session", session)
		} else {
			// 没有会话ID时降级为按工具限流
			parts = append(parts, "tool", tool)
		}
	case LimitByGlobal:
		parts = append(parts, "global")
	}

	return strings.Join(parts, ":")
}

// IsWhitelisted 工具是否在白名单中
func (l *Limiter) IsWhitelisted(tool string) bool {
	for _, pattern := range l.whitelistTools {
		if matchTool(pattern, tool) {
			return true
		}
	}
	return false
}

// matchTool 检查工具名是否匹配
func matchTool(pattern, tool string) bool {
	// 精确匹配
	if pattern == tool {
		return true
	}

	// 通配符匹配
	matched, err := path.Match(pattern, tool)
	if err != nil {
		return false
	}

	return matched
}

// IsEnabled 检查限流是否启用
func (l *Limiter) IsEnabled() bool {
	return l.config.RateLimit.Enabled
}

// GetConfig 获取配置
func (l *Limiter) GetConfig() *Config {
	return l.config
}

// Rules 返回转换后的规则列表
func (l *Limiter) Rules() []*Rule {
	return l.rules
}
