// Package main 是日志分诊网关的入口点。
// 网关接收原始日志，驱动分诊运行的状态机，并在选定方案后发送通知、创建工单。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/triage/internal/api"
	"github.com/oriys/triage/internal/auth"
	"github.com/oriys/triage/internal/config"
	"github.com/oriys/triage/internal/dispatch"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/events"
	"github.com/oriys/triage/internal/metrics"
	"github.com/oriys/triage/internal/notify/slack"
	"github.com/oriys/triage/internal/orchestrator"
	"github.com/oriys/triage/internal/remediation"
	"github.com/oriys/triage/internal/scheduler"
	"github.com/oriys/triage/internal/storage"
	"github.com/oriys/triage/internal/telemetry"
	"github.com/oriys/triage/internal/ticket/jira"
	"github.com/sirupsen/logrus"
)

// runStore 运行存储后端
type runStore interface {
	domain.RunRepository
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	// 配置文件路径为空时只使用默认值与环境变量
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if err := config.ApplyLogLevel(logger, cfg.Logging.Level); err != nil {
		logger.WithError(err).WithField("level", cfg.Logging.Level).Warn("Invalid log level, using info")
	}

	logger.WithField("storage", cfg.Storage.Driver).Info("Starting triage gateway")

	// ========== 遥测 ==========
	tel, err := telemetry.New(context.Background(), cfg.Telemetry)
	if err != nil {
		// 追踪初始化失败不影响主流程
		logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
	} else if tel.IsEnabled() {
		defer tel.Shutdown(context.Background())
		logger.AddHook(telemetry.NewLogrusHook())
		logger.WithFields(logrus.Fields{
			"endpoint":    cfg.Telemetry.Endpoint,
			"sample_rate": cfg.Telemetry.SampleRate,
		}).Info("Telemetry initialized")
	}

	// ========== 存储 ==========
	store, locker, err := openStore(cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open run storage")
	}
	defer store.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	// ========== 下游集成 ==========
	var notifier dispatch.NotificationSender
	if cfg.Slack.Enabled() {
		notifier = slack.New(cfg.Slack, logger)
		logger.WithField("channel", cfg.Slack.DefaultChannel).Info("Slack notifications enabled")
	}
	var tickets dispatch.TicketCreator
	if cfg.Jira.Enabled() {
		tickets = jira.New(cfg.Jira, logger)
		logger.WithField("project", cfg.Jira.ProjectKey).Info("Jira tickets enabled")
	}
	dispatcher := dispatch.New(notifier, tickets, logger)

	// ========== 事件 ==========
	broadcaster := events.NewBroadcaster()
	var publisher orchestrator.Publisher = broadcaster
	var bus *events.EventBus
	if cfg.Events.NatsURL != "" {
		bus, err = events.NewEventBus(cfg.Events.NatsURL, cfg.Events.IngestSubject, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer bus.Close()
		publisher = events.Multi{bus, broadcaster}
	}

	// ========== 编排引擎 ==========
	engineOpts := []orchestrator.Option{
		orchestrator.WithPublisher(publisher),
		orchestrator.WithMetrics(m),
	}
	if locker != nil {
		engineOpts = append(engineOpts, orchestrator.WithLocker(locker))
	}
	engine := orchestrator.NewEngine(orchestrator.Config{
		Workers:          cfg.Orchestrator.Workers,
		QueueSize:        cfg.Orchestrator.QueueSize,
		MaxAttempts:      cfg.Orchestrator.MaxAttempts,
		RetryBackoff:     cfg.Orchestrator.RetryBackoff,
		DispatchTimeout:  cfg.Orchestrator.DispatchTimeout,
		LockTTL:          cfg.Orchestrator.LockTTL,
		RecoveryEnabled:  cfg.Orchestrator.Recovery(),
		RecoveryInterval: cfg.Orchestrator.RecoveryInterval,
	}, store, dispatcher, logger, engineOpts...)
	if err := engine.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if bus != nil && cfg.Events.IngestEnabled {
		ingestor := events.NewIngestor(bus, engine, cfg.Events.IngestSubject, logger)
		if err := ingestor.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start log ingestion")
		}
	}

	sweeper := scheduler.NewExpirySweeper(engine, cfg.Selection.SweepSchedule, cfg.Selection.TTL, logger)
	if err := sweeper.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start selection sweeper")
	}

	// 配置热更新：日志级别与选择超时
	if *configPath != "" {
		err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			if err := config.ApplyLogLevel(logger, next.Logging.Level); err != nil {
				logger.WithError(err).Warn("Ignoring invalid log level")
			}
			if err := sweeper.Reschedule(next.Selection.SweepSchedule, next.Selection.TTL); err != nil {
				logger.WithError(err).Warn("Failed to reschedule selection sweeper")
			}
		})
		if err != nil {
			logger.WithError(err).Warn("Config hot reload disabled")
		}
	}

	// ========== HTTP ==========
	handler := api.NewHandler(engine, remediation.NewDefaultMapper(), logger)
	handler.AddReadinessCheck("storage", store)
	if bus != nil {
		handler.AddReadinessCheck("nats", bus)
	}

	var authMiddleware *auth.Middleware
	var authHandler *api.AuthHandler
	if cfg.Auth.Enabled {
		jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
		keys := auth.NewStaticKeyStore(cfg.Auth.APIKeys)
		authMiddleware = auth.NewMiddleware(jwtManager, cfg.Auth.APIKeyHeader, keys, true)
		if cfg.Auth.JWTSecret != "" {
			authHandler = api.NewAuthHandler(jwtManager)
		}
		logger.WithField("api_keys", keys.Len()).Info("Authentication enabled")
	}

	router := api.NewRouter(&api.RouterConfig{
		Handler:        handler,
		WatchHandler:   api.NewWatchHandler(engine, broadcaster, logger),
		AuthHandler:    authHandler,
		Auth:           authMiddleware,
		Metrics:        m,
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// websocket 推送是长连接，写超时由处理器自行控制
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	cancel()
	sweeper.Stop()
	if err := engine.Stop(); err != nil {
		logger.WithError(err).Error("Engine shutdown error")
	}

	logger.Info("Server stopped")
}

// openStore 按驱动打开运行存储。Redis 同时提供跨实例运行锁。
func openStore(cfg config.StorageConfig) (runStore, domain.RunLocker, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil, nil
	case "postgres":
		s, err := storage.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "redis":
		s, err := storage.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
