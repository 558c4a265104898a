package mcp

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureRegistrar 记录转发的注册
type captureRegistrar struct {
	names []string
}

func (r *captureRegistrar) AddTool(t *mcp.Tool, _ mcp.ToolHandler) {
	r.names = append(r.names, t.Name)
}

func TestToolbox_StoresWrappedHandlers(t *testing.T) {
	m := NewMiddleware(&MockLimiter{})

	next := &captureRegistrar{}
	box := NewToolbox(next)
	reg := m.Wrap(box)

	var calls atomic.Int32
	reg.AddTool(&mcp.Tool{Name: "echo"}, echoHandler(&calls))
	reg.AddTool(&mcp.Tool{Name: "a_tool"}, echoHandler(&calls))

	assert.Equal(t, []string{"echo", "a_tool"}, next.names)

	tools := box.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "a_tool", tools[0].Name)

	h, ok := box.Tool("echo")
	require.True(t, ok)

	// 保存的是包装后的处理函数，参数会被清洗
	res, err := h(context.Background(), callRequest("echo", `{"text":"a;b"}`))
	require.NoError(t, err)
	assert.Equal(t, "a b", textOf(t, res))

	_, ok = box.Tool("missing")
	assert.False(t, ok)
}

func TestToolbox_NilNext(t *testing.T) {
	box := NewToolbox(nil)
	var calls atomic.Int32
	box.AddTool(&mcp.Tool{Name: "echo"}, echoHandler(&calls))

	_, ok := box.Tool("echo")
	assert.True(t, ok)
}

func TestDefaultSessionID_Header(t *testing.T) {
	req := callRequest("echo", `{}`)
	req.Extra = &mcp.RequestExtra{Header: http.Header{}}
	req.Extra.Header.Set(SessionHeader, "abc")

	assert.Equal(t, "abc", DefaultSessionID(req))
}
