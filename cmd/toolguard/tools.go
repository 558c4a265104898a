package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Fischlvor/go-toolguard/cache"
	mcpmw "github.com/Fischlvor/go-toolguard/drivers/middleware/mcp"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// guardStats guard_stats 工具与 /stats 接口的返回
type guardStats struct {
	RateLimit rateLimitStats `json:"rateLimit"`
	Rules     int            `json:"rules"`
	Store     string         `json:"store"`
	Cache     *cache.Stats   `json:"cache,omitempty"`
	Tools     []string       `json:"tools"`
}

type rateLimitStats struct {
	Enabled     bool  `json:"enabled"`
	MaxRequests int64 `json:"maxRequests"`
	WindowMs    int64 `json:"windowMs"`
}

func (a *app) stats() guardStats {
	cfg := a.limiter.GetConfig()
	s := guardStats{
		RateLimit: rateLimitStats{
			Enabled:     cfg.RateLimit.Enabled,
			MaxRequests: cfg.RateLimit.MaxRequests,
			WindowMs:    cfg.RateLimit.WindowMs,
		},
		Rules: len(a.limiter.Rules()),
		Store: cfg.Store.Driver,
		Tools: []string{},
	}
	if a.results != nil {
		cs := a.results.Stats()
		s.Cache = &cs
	}
	for _, t := range a.tools.Tools() {
		s.Tools = append(s.Tools, t.Name)
	}
	return s
}

func registerTools(reg mcpmw.Registrar, a *app) {
	reg.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "原样返回 text 参数（参数已清洗）",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}, echo)

	reg.AddTool(&mcp.Tool{
		Name:        "guard_stats",
		Description: "返回限流配置和结果缓存统计",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s := a.stats()
		data, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
			StructuredContent: s,
		}, nil
	})
}

func echo(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Text string `json:"text"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("参数格式错误: %v", err)}},
				IsError: true,
			}, nil
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: args.Text}},
	}, nil
}
