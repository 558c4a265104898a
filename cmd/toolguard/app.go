package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	toolguard "github.com/Fischlvor/go-toolguard"
	"github.com/Fischlvor/go-toolguard/cache"
	prommetrics "github.com/Fischlvor/go-toolguard/drivers/metrics/prometheus"
	mcpmw "github.com/Fischlvor/go-toolguard/drivers/middleware/mcp"
	redisstore "github.com/Fischlvor/go-toolguard/drivers/store/redis"
	libredis "github.com/go-redis/redis"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app 组装好的服务
type app struct {
	config   *toolguard.Config
	logger   *slog.Logger
	limiter  *toolguard.Limiter
	results  *mcpmw.ResultCache
	registry *prometheus.Registry
	server   *mcp.Server
	tools    *mcpmw.Toolbox
	closers  []func() error
}

func newApp(config *toolguard.Config, logOutput io.Writer) (*app, error) {
	a := &app{
		config:   config,
		logger:   toolguard.NewLogger(config.Log, logOutput),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := a.newStore()

	limiter, err := toolguard.NewFromConfig(config, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.limiter = limiter

	recorder := prommetrics.NewRecorder(a.registry)
	options := []mcpmw.Option{
		mcpmw.WithLogger(a.logger),
		mcpmw.WithRecorder(recorder),
	}

	if config.Cache.Enabled {
		results, err := cache.NewWithOptions(cache.Options[string, *mcp.CallToolResult]{
			MaxSize: config.Cache.MaxSize,
			TTL:     config.Cache.TTLDuration(),
			OnEvict: func(key string, _ *mcp.CallToolResult, reason cache.EvictReason) {
				a.logger.Debug("结果缓存条目移除", "reason", reason)
			},
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("创建结果缓存失败: %w", err)
		}
		a.results = results
		a.closers = append(a.closers, func() error { results.Close(); return nil })
		recorder.RegisterCacheStats(results.Stats)
		options = append(options, mcpmw.WithCache(results, config.Cache.Tools...))
	}

	a.server = mcp.NewServer(&mcp.Implementation{
		Name:    config.Server.Name,
		Version: config.Server.Version,
	}, &mcp.ServerOptions{Logger: a.logger})

	a.tools = mcpmw.NewToolbox(a.server)
	registerTools(mcpmw.NewMiddleware(limiter, options...).Wrap(a.tools), a)

	return a, nil
}

// newStore 按配置创建窗口存储。Redis不可用时退回内存存储。
func (a *app) newStore() toolguard.Store {
	if a.config.Store.Driver != "redis" {
		return nil
	}

	rc := a.config.Store.Redis
	client := libredis.NewClient(&libredis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping().Err(); err != nil {
		a.logger.Warn("Redis不可用，使用内存存储", "addr", rc.Addr, "error", err)
		client.Close()
		return nil
	}

	a.closers = append(a.closers, client.Close)
	a.logger.Info("使用Redis存储", "addr", rc.Addr, "prefix", rc.Prefix)
	return redisstore.NewStore(client, rc.Prefix)
}

// Serve 按配置的传输方式运行，直到 ctx 结束
func (a *app) Serve(ctx context.Context) error {
	switch a.config.Server.Transport {
	case "http":
		return a.serveHTTP(ctx)
	default:
		a.logger.Info("通过stdio提供MCP服务", "name", a.config.Server.Name)
		return a.server.Run(ctx, &mcp.StdioTransport{})
	}
}

func (a *app) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.config.Server.Addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("通过HTTP提供MCP服务", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭HTTP服务失败: %w", err)
	}
	return nil
}

// Close 释放缓存和Redis连接
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
