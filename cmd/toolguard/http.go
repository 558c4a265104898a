package main

import (
	"net/http"

	ginmw "github.com/Fischlvor/go-toolguard/drivers/middleware/gin"
	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// router HTTP路由
//
//	POST /tools/:name  调用工具，限流信息写入响应头
//	ANY  /mcp          MCP streamable HTTP，按客户端IP限流
//	GET  /healthz      健康检查
//	GET  /stats        限流配置与缓存统计
//	GET  /metrics      Prometheus指标
func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.stats())
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	r.POST("/tools/:name", ginmw.ToolHandler(a.tools))

	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return a.server
	}, nil)
	r.Any("/mcp", ginmw.NewMiddleware(a.limiter, ginmw.WithLogger(a.logger)), gin.WrapH(streamable))

	return r
}
