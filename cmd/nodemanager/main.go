// Package main 节点管理器入口
//
//	nodemanager run [--config dir]
//
// Worker 机器上运行：注册到控制面、领取任务、驱动交互式 CLI 会话。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agents-dispatch/internal/config"
	"agents-dispatch/internal/nodemanager"
	"agents-dispatch/internal/nodemanager/adapter"
	"agents-dispatch/internal/nodemanager/adapter/claude"
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
		Use:           "nodemanager",
		Short:         "Worker agent for the coding-task dispatcher",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configDir != "" {
				if strings.HasSuffix(configDir, ".yaml") || strings.HasSuffix(configDir, ".yml") {
					configDir = filepath.Dir(configDir)
				}
				config.SetConfigDir(configDir)
			}
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "配置文件目录（或 YAML 文件路径）")
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		adapterName string
		metricsAddr string
		caFile      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the control plane and execute claimed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(string(cfg.Env), cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			adapters := adapter.NewRegistry()
			adapters.Register(claude.New())
			a, err := adapters.Get(adapterName)
			if err != nil {
				return fmt.Errorf("%w (available: %s)", err, strings.Join(adapters.List(), ", "))
			}

			httpClient, err := nodemanager.NewHTTPClient(cfg.APIServer.URL, caFile)
			if err != nil {
				return err
			}

			ncfg := nodemanager.NewConfig(cfg.Node)
			ncfg.Version = version
			if ncfg.MachineID == "" {
				ncfg.MachineID = nodemanager.GenerateNodeID()
			}
			if err := os.MkdirAll(ncfg.WorkspaceDir, 0o755); err != nil {
				return fmt.Errorf("create workspace dir: %w", err)
			}

			if cfg.Node.Sandbox.Image != "" {
				launcher, err := nodemanager.NewContainerLauncher(cfg.Node.Sandbox, logger)
				if err != nil {
					return err
				}
				defer launcher.Close()
				pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err = launcher.Ping(pingCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("docker unavailable for sandbox: %w", err)
				}
				ncfg.Launcher = launcher
				logger.Info("nodemanager.sandbox.enabled", zap.String("image", cfg.Node.Sandbox.Image))
			}

			reg := prometheus.NewRegistry()
			m := nodemanager.NewMetrics(reg, "dispatch_worker", ncfg.MachineID)
			client := nodemanager.NewClient(cfg.APIServer.URL, cfg.Auth.NodeToken, httpClient)
			nm := nodemanager.New(ncfg, client, a, logger, m)

			logger.Info("nodemanager.starting",
				zap.String("version", version),
				zap.String("machine_id", ncfg.MachineID),
				zap.String("api_server", cfg.APIServer.URL),
				zap.String("workspace_dir", ncfg.WorkspaceDir))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				go serveMetrics(ctx, metricsAddr, reg, logger)
			}
			return nm.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&adapterName, "adapter", "claude-v1", "Agent CLI 适配器")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus 指标监听地址（如 :9101），为空不启用")
	cmd.Flags().StringVar(&caFile, "ca-file", os.Getenv("TLS_CA_FILE"), "控制面自签名证书的 CA 文件")
	return cmd
}

// serveMetrics 暴露 Worker 指标
func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", nodemanager.MetricsHandler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("nodemanager.metrics.failed", zap.Error(err))
	}
}
