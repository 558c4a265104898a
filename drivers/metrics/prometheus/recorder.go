package prometheus

import (
	"github.com/Fischlvor/go-toolguard/cache"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolguard"

// Recorder 工具调用相关的Prometheus指标
//
// 指标：
//   - toolguard_tool_calls_total{tool,result}: 限流检查结果（allowed/blocked）
//   - toolguard_cache_lookups_total{tool,result}: 结果缓存查询（hit/miss）
//   - toolguard_store_errors_total{tool}: 限流存储出错次数
//   - toolguard_cache_*: 结果缓存的统计信息
type Recorder struct {
	registry    prometheus.Registerer
	toolCalls   *prometheus.CounterVec
	cacheLookup *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
}

// NewRecorder 创建并注册指标
func NewRecorder(registry prometheus.Registerer) *Recorder {
	r := &Recorder{
		registry: registry,
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of rate limit checks on tool calls",
			},
			[]string{"tool", "result"},
		),
		cacheLookup: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of tool result cache lookups",
			},
			[]string{"tool", "result"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of rate limit store failures",
			},
			[]string{"tool"},
		),
	}

	registry.MustRegister(r.toolCalls, r.cacheLookup, r.storeErrors)
	return r
}

// RecordDecision 记录一次限流检查
func (r *Recorder) RecordDecision(tool string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	r.toolCalls.WithLabelValues(tool, result).Inc()
}

// RecordCache 记录一次缓存查询
func (r *Recorder) RecordCache(tool string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	r.cacheLookup.WithLabelValues(tool, result).Inc()
}

// RecordStoreError 记录一次存储错误
func (r *Recorder) RecordStoreError(tool string) {
	r.storeErrors.WithLabelValues(tool).Inc()
}

// RegisterCacheStats 在采集时读取缓存统计信息
func (r *Recorder) RegisterCacheStats(stats func() cache.Stats) {
	gauge := func(name, help string, value func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "cache", Name: name, Help: help},
			func() float64 { return value(stats()) },
		)
	}
	counter := func(name, help string, value func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "cache", Name: name, Help: help},
			func() float64 { return value(stats()) },
		)
	}

	r.registry.MustRegister(
		gauge("entries", "Current number of entries in the result cache",
			func(s cache.Stats) float64 { return float64(s.Size) }),
		counter("hits_total", "Result cache hits since the last clear",
			func(s cache.Stats) float64 { return float64(s.Hits) }),
		counter("misses_total", "Result cache misses since the last clear",
			func(s cache.Stats) float64 { return float64(s.Misses) }),
		counter("evictions_total", "Entries evicted for capacity since the last clear",
			func(s cache.Stats) float64 { return float64(s.Evictions) }),
		counter("expirations_total", "Entries removed after their TTL since the last clear",
			func(s cache.Stats) float64 { return float64(s.Expirations) }),
	)
}
