package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/apiserver/metrics"
	"agents-dispatch/internal/apiserver/monitor"
	"agents-dispatch/internal/apiserver/relay"
	"agents-dispatch/internal/apiserver/scheduler"
	"agents-dispatch/internal/apiserver/server"
	"agents-dispatch/internal/config"
	"agents-dispatch/internal/nodemanager"
	"agents-dispatch/internal/nodemanager/adapter/claude"
	"agents-dispatch/internal/shared/eventbus"
	redisevents "agents-dispatch/internal/shared/eventbus/redis"
	"agents-dispatch/internal/shared/objstore"
	"agents-dispatch/internal/shared/queue"
	redisqueue "agents-dispatch/internal/shared/queue/redis"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/internal/shared/storage/dbutil"
	"agents-dispatch/internal/shared/storage/etcd"
	"agents-dispatch/internal/shared/storage/mongostore"
	"agents-dispatch/internal/shared/storage/repository"
	"agents-dispatch/internal/tlsutil"
)

// errRestartRequested 收到 etcd 重启请求，进程以非零状态退出交给看护进程重启
var errRestartRequested = errors.New("restart requested via control plane")

// runServer 组装控制面组件并运行，直到 ctx 取消或任一组件失败
func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "dispatch")

	// ========== 存储 ==========
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ========== 输入队列与事件日志 ==========
	var (
		inputQueue queue.InputQueue
		eventLog   eventbus.EventLog
		memEvents  *eventbus.MemoryLog
	)
	if cfg.Redis.Enabled {
		rq, err := redisqueue.NewStore(cfg.RedisURL, cfg.Relay.InputRetention)
		if err != nil {
			return err
		}
		defer rq.Close()
		inputQueue = rq
		eventLog = redisevents.NewStoreFromClient(rq.Client(), cfg.Relay.EventRetention)
		logger.Info("queue.redis.connected")
	} else {
		inputQueue = queue.NewMemoryQueue()
		memEvents = eventbus.NewMemoryLog(cfg.Relay.EventRetention)
		eventLog = memEvents
	}

	// ========== 聊天转发 ==========
	var (
		chat    relay.ChatRelay
		threads server.ThreadOpener
	)
	if cfg.Slack.Enabled {
		slack := relay.NewSlackRelay(cfg.Slack.Token, logger)
		chat, threads = slack, slack
	} else {
		chat = relay.NewLogChatRelay(logger)
	}

	// ========== 会话记录归档 ==========
	var (
		archiver    relay.Archiver
		transcripts server.TranscriptStore
	)
	if cfg.MinIO.Enabled {
		obj, err := objstore.NewClient(cfg.MinIO, logger)
		if err != nil {
			return err
		}
		if err := obj.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		archiver, transcripts = obj, obj
	}

	// ========== 自动修复 ==========
	var (
		remediator monitor.Remediator = monitor.NewLogRemediator(logger)
		control    *etcd.Store
	)
	if cfg.Etcd.Enabled {
		control, err = etcd.NewStore(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
		}, logger)
		if err != nil {
			return err
		}
		defer control.Close()
		remediator = control
	}

	// ========== 核心组件 ==========
	registry := machine.NewRegistry(store, logger, cfg.Dispatcher.StaleThreshold)
	dispatcher, err := scheduler.NewDispatcher(store, registry, &scheduler.Config{
		Interval:        cfg.Dispatcher.Interval,
		StaleThreshold:  cfg.Dispatcher.StaleThreshold,
		BatchSize:       cfg.Dispatcher.BatchSize,
		Chain:           cfg.Dispatcher.Chain,
		AllowUnassigned: cfg.Claim.AllowUnassigned,
	}, logger, m)
	if err != nil {
		return err
	}

	transcript := relay.NewTranscriptBuffer()
	inputs := relay.NewInputRelay(store, inputQueue, transcript, logger, m)
	coalescer := relay.NewCoalescer(chat, cfg.Slack.MaxChars, logger, m)
	gateway := server.NewEventGateway(store, eventLog, logger, m)
	pipeline := relay.NewPipeline(store, transcript, relay.PipelineOptions{
		Coalescer:   coalescer,
		Broadcaster: gateway,
		Detector:    relay.DefaultPromptDetector(),
		Summarizer:  relay.FallbackSummarizer{},
		Archiver:    archiver,
		EventLog:    eventLog,
		Metrics:     m,
	}, logger)
	janitor := relay.NewJanitor(inputQueue, transcript, cfg.Relay.TranscriptRetention, cfg.Relay.GCInterval, logger)
	if memEvents != nil {
		janitor.WithEventLog(memEvents)
	}

	monCfg := monitor.Config{
		HealthInterval:      cfg.Monitor.HealthInterval,
		ProactiveInterval:   cfg.Monitor.ProactiveInterval,
		HealthStaleAfter:    cfg.Monitor.HealthStaleAfter,
		ProactiveStaleAfter: cfg.Monitor.ProactiveStaleAfter,
		AlertCooldown:       cfg.Monitor.AlertCooldown,
		RecentCapacity:      cfg.Monitor.RecentCapacity,
	}
	notifier := monitor.NewChatNotifier(chat, cfg.Monitor.AlertThread, logger)
	escalator := monitor.NewEscalator(remediator, cfg.Monitor.Component, cfg.Monitor.EscalateAfter, cfg.Monitor.RemediationCooldown, logger, m)
	health := monitor.NewHealthMonitor(store, notifier, escalator, monCfg, logger, m)
	proactive := monitor.NewProactiveMonitor(store, notifier, monCfg, logger, m)

	h := server.NewHandler(server.Deps{
		Store:       store,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Inputs:      inputs,
		Pipeline:    pipeline,
		Gateway:     gateway,
		Events:      eventLog,
		Transcripts: transcripts,
		Threads:     threads,
		Metrics:     m,
		Gatherer:    reg,
		Auth: auth.Config{
			JWTSecret: cfg.Auth.JWTSecret,
			TokenTTL:  cfg.Auth.TokenTTL,
			NodeToken: cfg.Auth.NodeToken,
		},
		CORSOrigins: cfg.APIServer.CORSOrigins,
		Logger:      logger,
	})

	// WebSocket 与转录下载是长连接，不设置 WriteTimeout
	srv := &http.Server{
		Addr:              ":" + cfg.APIServer.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          newServerErrorLog(logger),
	}
	certs, err := resolveCerts(cfg.APIServer.TLS, logger)
	if err != nil {
		return err
	}

	// ========== 运行 ==========
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(gctx) })
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return proactive.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error { return coalescer.Run(gctx, cfg.Relay.CoalesceInterval) })
	g.Go(func() error {
		logger.Info("api_server.listening", zap.String("addr", srv.Addr), zap.Bool("tls", certs != nil))
		var err error
		if certs != nil {
			err = srv.ListenAndServeTLS(certs.CertFile, certs.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("api_server.shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// 把尚未发出的聊天消息冲刷出去
		coalescer.FlushAll(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if control != nil && cfg.Monitor.Component != "" {
		g.Go(func() error { return watchRestart(gctx, control, cfg.Monitor.Component, logger) })
	}

	if cfg.APIServer.EmbeddedWorker {
		caFile := ""
		if certs != nil {
			caFile = certs.CAFile
		}
		nm, err := newEmbeddedWorker(cfg, inputs, reg, caFile, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return nm.Start(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("api_server.stopped", zap.Error(err))
	return err
}

// openStore 按驱动类型打开持久化存储
func openStore(cfg *config.Config, logger *zap.Logger) (storage.PersistentStore, error) {
	driver, err := dbutil.ParseDriverType(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}
	var store storage.PersistentStore
	if driver == dbutil.DriverMongoDB {
		store, err = mongostore.NewStore(cfg.DatabaseURL, cfg.Database.Name, logger)
	} else {
		store, err = repository.Open(driver, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	logger.Info("storage.connected", zap.String("driver", string(driver)))
	return store, nil
}

// newEmbeddedWorker 单机部署时在进程内运行一个 Node Manager
//
// 仍然通过 HTTP 与本进程的 API 交互，只是把会话输入句柄直接挂到 InputRelay，
// 操作员输入无需经过队列轮询。
func newEmbeddedWorker(cfg *config.Config, inputs *relay.InputRelay, reg prometheus.Registerer, caFile string, logger *zap.Logger) (*nodemanager.NodeManager, error) {
	ncfg := nodemanager.NewConfig(cfg.Node)
	ncfg.Version = version
	if ncfg.MachineID == "" {
		ncfg.MachineID = nodemanager.GenerateNodeID()
	}
	ncfg.Attach = func(taskID string, w nodemanager.InputWriter) func() {
		return inputs.Attach(taskID, w)
	}
	httpClient, err := nodemanager.NewHTTPClient(cfg.APIServer.URL, caFile)
	if err != nil {
		return nil, err
	}
	client := nodemanager.NewClient(cfg.APIServer.URL, cfg.Auth.NodeToken, httpClient)
	wm := nodemanager.NewMetrics(reg, "dispatch_worker", ncfg.MachineID)
	return nodemanager.New(ncfg, client, claude.New(), logger, wm), nil
}

// resolveCerts 未启用 TLS 返回 nil；未提供证书文件时生成自签名证书
func resolveCerts(c config.TLSConfig, logger *zap.Logger) (*tlsutil.CertFiles, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile != "" && c.KeyFile != "" {
		return &tlsutil.CertFiles{CertFile: c.CertFile, KeyFile: c.KeyFile}, nil
	}
	files, err := tlsutil.Ensure(tlsutil.Options{Dir: c.CertDir, Hosts: c.Hosts}, logger.Named("tls"))
	if err != nil {
		return nil, fmt.Errorf("prepare TLS certificates: %w", err)
	}
	return &files, nil
}

// watchRestart 监听本组件的重启请求：确认后返回错误让进程退出
func watchRestart(ctx context.Context, control *etcd.Store, component string, logger *zap.Logger) error {
	for req := range control.WatchRestarts(ctx, component) {
		logger.Warn("api_server.restart.requested",
			zap.String("request_id", req.ID),
			zap.String("reason", req.Reason),
			zap.Time("requested_at", req.RequestedAt))
		ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := control.AckRestart(ackCtx, component); err != nil {
			logger.Error("api_server.restart.ack_failed", zap.Error(err))
		}
		cancel()
		return errRestartRequested
	}
	return nil
}
