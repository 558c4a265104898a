package mcp

import (
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Toolbox 记录注册过的工具处理函数并转发给下一个注册器，
// 使MCP会话之外的传输（如HTTP接口）也能调用同一组工具。
//
// 放在 Middleware.Wrap 之后使用，保存的就是已包装的处理函数：
//
//	box := NewToolbox(server)
//	reg := m.Wrap(box)
type Toolbox struct {
	mu    sync.RWMutex
	next  Registrar
	tools map[string]*toolEntry
}

type toolEntry struct {
	tool    *mcp.Tool
	handler mcp.ToolHandler
}

// NewToolbox 创建工具箱，next 可以为 nil
func NewToolbox(next Registrar) *Toolbox {
	return &Toolbox{
		next:  next,
		tools: make(map[string]*toolEntry),
	}
}

// AddTool 保存工具并转发注册，同名工具会被替换
func (b *Toolbox) AddTool(t *mcp.Tool, h mcp.ToolHandler) {
	b.mu.Lock()
	b.tools[t.Name] = &toolEntry{tool: t, handler: h}
	b.mu.Unlock()

	if b.next != nil {
		b.next.AddTool(t, h)
	}
}

// Tool 按名称查找处理函数
func (b *Toolbox) Tool(name string) (mcp.ToolHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.tools[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Tools 按名称排序返回所有工具
func (b *Toolbox) Tools() []*mcp.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*mcp.Tool, 0, len(b.tools))
	for _, e := range b.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
