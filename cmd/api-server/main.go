// Package main API Server 入口
//
//	api-server serve               运行控制面（HTTP API、调度器、监控、转发）
//	api-server token --subject x   签发操作员访问令牌
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/config"
	"agents-dispatch/internal/shared/logging"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "api-server",
		Short:         "Coding-task dispatcher control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configDir != "" {
				// 支持直接指定 YAML 文件路径
				if strings.HasSuffix(configDir, ".yaml") || strings.HasSuffix(configDir, ".yml") {
					configDir = filepath.Dir(configDir)
				}
				config.SetConfigDir(configDir)
			}
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "配置文件目录（或 YAML 文件路径）")

	root.AddCommand(newServeCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatcher, monitors and relays",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, err := logging.New(string(cfg.Env), cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("api_server.starting",
				zap.String("version", version),
				zap.String("config", cfg.String()),
				zap.String("config_file", cfg.ConfigFilePath))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, logger)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator access token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			switch role {
			case auth.RoleAdmin, auth.RoleOperator:
			default:
				return fmt.Errorf("unsupported role %q", role)
			}
			token, err := auth.GenerateToken(auth.Config{
				JWTSecret: cfg.Auth.JWTSecret,
				TokenTTL:  cfg.Auth.TokenTTL,
			}, subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "令牌主体（操作员名称）")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "角色：operator 或 admin")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
