package toolguard

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 环境变量
const (
	EnvEnabled     = "MCP_RATE_LIMIT_ENABLED"
	EnvMaxRequests = "MCP_RATE_LIMIT_MAX_REQUESTS"
	EnvWindowMs    = "MCP_RATE_LIMIT_WINDOW_MS"
)

// 默认值
const (
	DefaultMaxRequests = 60
	DefaultWindowMs    = 60000
	DefaultCacheSize   = 100
)

// ErrUnknownStoreDriver 不支持的存储驱动
var ErrUnknownStoreDriver = errors.New("未知的存储驱动")

// Config 配置
type Config struct {
	// RateLimit 全局限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Rules 按工具的限流规则
	Rules []RuleConfig `yaml:"rules"`
	// Whitelist 白名单配置
	Whitelist WhitelistConfig `yaml:"whitelist"`
	// Store 窗口状态存储
	Store StoreConfig `yaml:"store"`
	// Cache 工具结果缓存
	Cache CacheConfig `yaml:"cache"`
	// Log 日志
	Log LogConfig `yaml:"log"`
	// Server MCP服务
	Server ServerConfig `yaml:"server"`
}

// RateLimitConfig 全局限流配置，所有工具调用共享
type RateLimitConfig struct {
	// Enabled 是否启用限流
	Enabled bool `yaml:"enabled"`
	// MaxRequests 窗口内允许的最大请求数
	MaxRequests int64 `yaml:"max_requests"`
	// WindowMs 窗口长度（毫秒）
	WindowMs int64 `yaml:"window_ms"`
}

// Window 窗口长度
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// RuleConfig 规则配置
type RuleConfig struct {
	// Name 规则名称
	Name string `yaml:"name"`
	// Tool 工具名匹配（支持通配符 *）
	Tool string `yaml:"tool"`
	// By 限流维度（global/tool/session）
	By string `yaml:"by"`
	// Limit 限流阈值（请求数）
	Limit int64 `yaml:"limit"`
	// Window 时间窗口（如：60s, 1m, 1h）
	Window string `yaml:"window"`
}

// WhitelistConfig 白名单配置
type WhitelistConfig struct {
	// Tools 不参与限流的工具（支持通配符 *）
	Tools []string `yaml:"tools"`
}

// StoreConfig 存储配置
type StoreConfig struct {
	// Driver memory 或 redis
	Driver string `yaml:"driver"`
	// MaxKeys 内存存储最多保存的key数量，0 表示不限制
	MaxKeys int `yaml:"max_keys"`
	// Redis redis驱动的连接配置
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CacheConfig 工具结果缓存配置
type CacheConfig struct {
	// Enabled 是否启用
	Enabled bool `yaml:"enabled"`
	// MaxSize 最大条目数，必须大于0，未配置时为 DefaultCacheSize
	MaxSize int `yaml:"max_size"`
	// TTL 条目存活时间（如：30s, 5m），为空表示不过期
	TTL string `yaml:"ttl"`
	// Tools 允许缓存结果的工具（支持通配符 *）
	Tools []string `yaml:"tools"`
}

// TTLDuration 解析后的TTL
func (c CacheConfig) TTLDuration() time.Duration {
	if c.TTL == "" {
		return 0
	}
	d, err := parseDuration(c.TTL)
	if err != nil {
		return 0
	}
	return d
}

// LogConfig 日志配置
type LogConfig struct {
	// Level debug/info/warn/error
	Level string `yaml:"level"`
	// Format text 或 json
	Format string `yaml:"format"`
}

// ServerConfig MCP服务配置
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Transport stdio 或 http
	Transport string `yaml:"transport"`
	// Addr http监听地址
	Addr string `yaml:"addr"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxRequests: DefaultMaxRequests,
			WindowMs:    DefaultWindowMs,
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "toolguard",
			},
		},
		Cache: CacheConfig{
			MaxSize: DefaultCacheSize,
			TTL:     "5m",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Name:      "toolguard",
			Version:   "0.1.0",
			Transport: "stdio",
			Addr:      ":8080",
		},
	}
}

// LoadConfig 从文件加载配置。文件中未出现的字段保留默认值，环境变量优先于文件。
func LoadConfig(filename string) (*Config, error) {
	// 读取文件
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析YAML
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	ApplyEnv(config)

	// 验证配置
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv 只使用默认值和环境变量构建配置
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()
	ApplyEnv(config)
	return config
}

// ApplyEnv 用环境变量覆盖限流配置。
// MCP_RATE_LIMIT_ENABLED 只有为 "false" 时禁用；数值不是正整数时忽略。
func ApplyEnv(config *Config) {
	if v, ok := os.LookupEnv(EnvEnabled); ok {
		config.RateLimit.Enabled = v != "false"
	}
	if n, ok := positiveIntEnv(EnvMaxRequests); ok {
		config.RateLimit.MaxRequests = n
	}
	if n, ok := positiveIntEnv(EnvWindowMs); ok {
		config.RateLimit.WindowMs = n
	}
}

func positiveIntEnv(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	// 验证全局限流
	if config.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("max_requests必须大于0")
	}
	if config.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("window_ms必须大于0")
	}

	// 验证规则
	for i, rule := range config.Rules {
		if rule.Tool == "" {
			return fmt.Errorf("规则[%d]缺少tool字段", i)
		}
		if !isValidPattern(rule.Tool) {
			return fmt.Errorf("规则[%d]无效的工具匹配: %s", i, rule.Tool)
		}
		if rule.By == "" {
			return fmt.Errorf("规则[%d]缺少by字段", i)
		}
		if !isValidLimitBy(rule.By) {
			return fmt.Errorf("规则[%d]无效的限流维度: %s", i, rule.By)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("规则[%d]限流阈值必须大于0", i)
		}
		if d, err := parseDuration(rule.Window); err != nil || d < time.Millisecond {
			return fmt.Errorf("规则[%d]无效的时间窗口: %s", i, rule.Window)
		}
	}

	// 验证白名单
	for _, tool := range config.Whitelist.Tools {
		if !isValidPattern(tool) {
			return fmt.Errorf("无效的白名单工具: %s", tool)
		}
	}

	// 验证存储
	if config.Store.Driver == "" {
		config.Store.Driver = "memory"
	}
	switch config.Store.Driver {
	case "memory":
	case "redis":
		if config.Store.Redis.Addr == "" {
			return fmt.Errorf("redis存储缺少addr")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStoreDriver, config.Store.Driver)
	}
	if config.Store.MaxKeys < 0 {
		return fmt.Errorf("max_keys不能小于0")
	}

	// 验证缓存
	// 未配置时保留默认值，显式写 0 视为错误
	if config.Cache.MaxSize < 1 {
		return fmt.Errorf("缓存max_size必须大于0")
	}
	if config.Cache.TTL != "" {
		if d, err := parseDuration(config.Cache.TTL); err != nil || d < 0 {
			return fmt.Errorf("无效的缓存ttl: %s", config.Cache.TTL)
		}
	}
	for _, tool := range config.Cache.Tools {
		if !isValidPattern(tool) {
			return fmt.Errorf("无效的缓存工具: %s", tool)
		}
	}

	// 验证日志
	if _, err := parseLevel(config.Log.Level); err != nil {
		return err
	}
	switch config.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("无效的日志格式: %s", config.Log.Format)
	}

	// 验证服务
	switch config.Server.Transport {
	case "", "stdio", "http":
	default:
		return fmt.Errorf("无效的传输方式: %s", config.Server.Transport)
	}

	return nil
}

// isValidLimitBy 检查限流维度是否有效
func isValidLimitBy(by string) bool {
	switch LimitBy(by) {
	case LimitByGlobal, LimitByTool, LimitBySession:
		return true
	default:
		return false
	}
}

// isValidPattern 检查通配符是否合法
func isValidPattern(pattern string) bool {
	_, err := path.Match(pattern, "")
	return err == nil
}

// parseDuration 解析时间窗口字符串
func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// ToRule 将配置规则转换为内部规则
func (rc *RuleConfig) ToRule() (*Rule, error) {
	window, err := parseDuration(rc.Window)
	if err != nil {
		return nil, err
	}

	name := rc.Name
	if name == "" {
		name = rc.Tool
	}

	return &Rule{
		Name:   name,
		Tool:   rc.Tool,
		By:     LimitBy(rc.By),
		Limit:  rc.Limit,
		Window: window,
	}, nil
}

// GetConfigPath 获取配置文件路径（支持相对路径和绝对路径）
func GetConfigPath(filename string) (string, error) {
	// 如果是绝对路径，直接返回
	if filepath.IsAbs(filename) {
		return filename, nil
	}

	// 尝试从当前工作目录查找
	if _, err := os.Stat(filename); err == nil {
		return filename, nil
	}

	// 尝试从可执行文件目录查找
	execPath, err := os.Executable()
	if err == nil {
		execDir := filepath.Dir(execPath)
		configPath := filepath.Join(execDir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	return "", fmt.Errorf("配置文件不存在: %s", filename)
}
