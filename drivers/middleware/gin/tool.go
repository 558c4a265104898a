package gin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tools 按名称查找工具处理函数
type Tools interface {
	Tool(name string) (mcp.ToolHandler, bool)
}

// ToolHandler 通过HTTP调用工具：POST /tools/:name，请求体为JSON参数。
//
// 结果 Meta 中的限流信息会写到响应头，被限流时返回429。
func ToolHandler(tools Tools) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		h, ok := tools.Tool(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "工具不存在", "tool": name})
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败", "msg": err.Error()})
			return
		}

		req := &mcp.CallToolRequest{
			Params: &mcp.CallToolParamsRaw{Name: name, Arguments: body},
			Extra:  &mcp.RequestExtra{Header: c.Request.Header},
		}
		res, err := h(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "工具调用失败", "msg": err.Error()})
			return
		}

		status := http.StatusOK
		if ForwardHeaders(c, res) && res.IsError {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, res)
	}
}

// ForwardHeaders 将结果 Meta["headers"] 写入响应头。
// 返回值表示结果中是否带有 Retry-After，即是否被限流。
func ForwardHeaders(c *gin.Context, res *mcp.CallToolResult) bool {
	if res == nil || res.Meta == nil {
		return false
	}

	limited := false
	set := func(k, v string) {
		c.Header(k, v)
		if strings.EqualFold(k, "Retry-After") {
			limited = true
		}
	}

	switch headers := res.Meta["headers"].(type) {
	case map[string]string:
		for k, v := range headers {
			set(k, v)
		}
	case map[string]any:
		for k, v := range headers {
			if s, ok := v.(string); ok {
				set(k, s)
			}
		}
	}
	return limited
}
