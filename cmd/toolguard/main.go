package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	toolguard "github.com/Fischlvor/go-toolguard"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "toolguard",
		Short: "为MCP工具调用提供限流、参数清洗和结果缓存",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "环境变量文件")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}

// loadEnvFile 加载 .env，默认文件不存在时忽略
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil && !explicit {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载环境变量文件失败: %w", err)
	}
	return nil
}

// loadConfig 指定了配置文件时从文件加载，否则只使用默认值和环境变量
func loadConfig(path string) (*toolguard.Config, error) {
	if path == "" {
		return toolguard.LoadConfigFromEnv(), nil
	}
	configPath, err := toolguard.GetConfigPath(path)
	if err != nil {
		return nil, err
	}
	return toolguard.LoadConfig(configPath)
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		transport  string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动MCP服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("transport") {
				config.Server.Transport = transport
			}
			if cmd.Flags().Changed("addr") {
				config.Server.Addr = addr
			}

			// stdio 模式下标准输出用于JSON-RPC，日志只能写到标准错误
			a, err := newApp(config, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.Serve(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "传输方式（stdio/http）")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "http监听地址")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "检查配置文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("必须指定配置文件")
			}
			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "配置有效")
			fmt.Fprintf(out, "限流: enabled=%v max_requests=%d window_ms=%d rules=%d\n",
				config.RateLimit.Enabled, config.RateLimit.MaxRequests, config.RateLimit.WindowMs, len(config.Rules))
			fmt.Fprintf(out, "存储: %s\n", config.Store.Driver)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")
	return cmd
}
