package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"wisefido-band/internal/alerts"
	"wisefido-band/internal/async"
	"wisefido-band/internal/audit"
	"wisefido-band/internal/binding"
	"wisefido-band/internal/common/database"
	"wisefido-band/internal/common/mqtt"
	"wisefido-band/internal/common/redis"
	"wisefido-band/internal/config"
	"wisefido-band/internal/forensic"
	httpapi "wisefido-band/internal/http"
	"wisefido-band/internal/identity"
	"wisefido-band/internal/ingest"
	"wisefido-band/internal/ledger"
	"wisefido-band/internal/metrics"
	"wisefido-band/internal/models"
	"wisefido-band/internal/monitor"
	"wisefido-band/internal/notify"
	"wisefido-band/internal/pipeline"
	"wisefido-band/internal/queue"
	"wisefido-band/internal/rules"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ActorRevoke 吊销触发的自动解绑写入审计时的 actor
const ActorRevoke = "device_revoke"

var errMQTTDisconnected = errors.New("mqtt client not connected")

// Dependencies 外部依赖；Redis / MQTT 可为 nil
//   - Redis 为 nil：幂等账本使用内存实现，只读开关只看静态配置，队列必须为 memory
//   - MQTT 为 nil：不订阅设备遥测，不广播实时通知
type Dependencies struct {
	Stores   Stores
	Redis    *redis.Client
	MQTT     *mqtt.Client
	Registry *prometheus.Registry
}

// BandService 手环告警服务（整合各层）
type BandService struct {
	config *config.Config
	logger *zap.Logger

	// 仅由 NewBandService 打开的连接，Stop 时关闭
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	runner   *async.Runner
	queue    queue.Queue
	monitor  *monitor.Monitor
	binding  binding.Service
	pipeline *pipeline.Coordinator
	consumer *ingest.MQTTConsumer
	router   *httpapi.Router
	server   *Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	pipeDone chan struct{}
	errCh    chan error
	stopped  bool
}

// NewBandService 连接 PostgreSQL / Redis / MQTT 并创建服务
func NewBandService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*BandService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. 连接 Redis
	redisClient, err := redis.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	// 3. 连接 MQTT（可选）
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			_ = redis.Close(redisClient)
			_ = database.Close(db)
			return nil, err
		}
	}

	svc, err := New(ctx, cfg, Dependencies{
		Stores:   PostgresStores(db, logger),
		Redis:    redisClient,
		MQTT:     mqttClient,
		Registry: prometheus.NewRegistry(),
	}, logger)
	if err != nil {
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		_ = redis.Close(redisClient)
		_ = database.Close(db)
		return nil, err
	}
	svc.db = db
	svc.redisClient = redisClient
	svc.mqttClient = mqttClient
	return svc, nil
}

// New 用给定依赖组装各层组件
func New(ctx context.Context, cfg *config.Config, deps Dependencies, logger *zap.Logger) (*BandService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)
	opTimeout := cfg.OperationTimeout

	// 1. 后台任务（通知、审计）
	runner := async.NewRunner(cfg.Notify.AsyncLimit, cfg.Notify.WebhookTimeout, logger)
	auditor := audit.NewAsyncLogger(audit.NewRepositoryLogger(deps.Stores.AuditLogs, logger), runner)
	notifier := buildNotifier(cfg, deps.MQTT, runner, m, logger)

	// 2. 只读开关与幂等账本
	var gate forensic.Gate = forensic.StaticGate{ReadOnly: cfg.Forensic.ReadOnly}
	var ldg ledger.Ledger
	if deps.Redis != nil {
		gate = forensic.AnyGate{gate, forensic.NewRedisGate(deps.Redis, cfg.Forensic.RedisKey, cfg.Forensic.FailClosed, logger)}
		ldg = ledger.NewRedisLedger(deps.Redis, cfg.Ledger.KeyPrefix, cfg.Ledger.TTL)
	} else {
		ldg = ledger.NewMemoryLedger(cfg.Ledger.TTL)
	}

	// 3. 工作队列
	var q queue.Queue
	switch cfg.Queue.Backend {
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("queue backend redis requires a redis client")
		}
		rq, err := queue.NewRedisQueue(ctx, deps.Redis, cfg.Queue, deps.Stores.DeadLetters, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis queue: %w", err)
		}
		q = rq
	default:
		q = queue.NewMemoryQueue(cfg.Queue, deps.Stores.DeadLetters, logger)
	}

	// 4. 业务层
	alertSvc := alerts.NewService(deps.Stores.Alerts, notifier, auditor, m, opTimeout, logger)
	mon := monitor.New(cfg.Monitor, alertSvc, deps.Stores.Snapshots, notifier, m, opTimeout, logger)
	bindingSvc := binding.NewService(deps.Stores.Assignments, mon, gate, auditor, opTimeout, logger)
	identityMgr := identity.NewManager(cfg.Identity, deps.Stores.Devices, ldg, gate, auditor, m, opTimeout, logger,
		identity.WithRevokeHook(func(ctx context.Context, d *models.Device) error {
			_, err := bindingSvc.ReleaseDevice(ctx, binding.UnbindRequest{
				TenantID: d.TenantID,
				DeviceID: d.DeviceID,
				Actor:    ActorRevoke,
			})
			return err
		}),
	)
	coord := pipeline.NewCoordinator(cfg.Alerting, rules.NewEngine(rules.DefaultRules(cfg.Alerting)...),
		ldg, alertSvc, q, m, cfg.Workers, opTimeout, logger)
	ingestHandler := ingest.NewHandler(identityMgr, mon, coord, logger)

	var consumer *ingest.MQTTConsumer
	if deps.MQTT != nil {
		consumer = ingest.NewMQTTConsumer(deps.MQTT, ingestHandler, cfg.Ingest.TelemetryTopic, cfg.MQTT.QoS, logger)
	}

	// 5. HTTP
	router := httpapi.NewRouter(logger)
	router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(identityMgr, bindingSvc, mon, logger))
	router.RegisterTelemetryRoutes(httpapi.NewTelemetryHandler(ingestHandler, logger))
	router.RegisterAlertRoutes(httpapi.NewAlertHandler(alertSvc, logger))
	router.RegisterOpsRoutes(m.Handler(), healthChecks(deps))

	return &BandService{
		config:   cfg,
		logger:   logger,
		runner:   runner,
		queue:    q,
		monitor:  mon,
		binding:  bindingSvc,
		pipeline: coord,
		consumer: consumer,
		router:   router,
		server:   NewServer(cfg.HTTP, router, logger),
		errCh:    make(chan error, 1),
	}, nil
}

// buildNotifier 每个通道独立异步发送，互不阻塞
func buildNotifier(cfg *config.Config, mqttClient *mqtt.Client, runner *async.Runner, m *metrics.Metrics, logger *zap.Logger) notify.Notifier {
	var channels notify.Multi
	if mqttClient != nil {
		mqttNotifier := notify.NewMQTTNotifier(mqttClient, cfg.Notify.TopicPrefix, cfg.MQTT.QoS)
		channels = append(channels, notify.NewAsync(mqttNotifier, runner, m, "mqtt"))
	}
	if cfg.Notify.WebhookURL != "" {
		webhook := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout, logger)
		channels = append(channels, notify.NewAsync(webhook, runner, m, "webhook"))
	}
	if len(channels) == 0 {
		return notify.Nop{}
	}
	return notify.NewLogging(channels, logger)
}

// healthChecks /healthz 依赖探活
func healthChecks(deps Dependencies) map[string]httpapi.HealthCheck {
	checks := make(map[string]httpapi.HealthCheck)
	if deps.Redis != nil {
		client := deps.Redis
		checks["redis"] = func(ctx context.Context) error {
			return redis.Ping(ctx, client)
		}
	}
	if deps.MQTT != nil {
		client := deps.MQTT
		checks["mqtt"] = func(context.Context) error {
			if !client.IsConnected() {
				return errMQTTDisconnected
			}
			return nil
		}
	}
	return checks
}

// Handler HTTP 入口
func (s *BandService) Handler() http.Handler {
	return s.router
}

// Err HTTP 服务异常退出时收到错误
func (s *BandService) Err() <-chan error {
	return s.errCh
}

// Start 启动服务；HTTP 在后台运行，异常经 Err() 返回
func (s *BandService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("band service already stopped")
	}
	if s.cancel != nil {
		return fmt.Errorf("band service already started")
	}

	s.logger.Info("Starting band service",
		zap.String("queue_backend", s.config.Queue.Backend),
		zap.Int("workers", s.config.Workers),
	)

	runCtx, cancel := context.WithCancel(ctx)

	// 1. 恢复推流中的设备
	restored, err := s.binding.RestoreStreaming(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to restore streaming devices: %w", err)
	}
	s.logger.Info("Streaming devices restored", zap.Int("count", restored))

	// 2. 健康巡检
	if err := s.monitor.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start health monitor: %w", err)
	}

	// 3. 告警流水线
	s.pipeDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.pipeline.Run(runCtx)
	}(s.pipeDone)

	// 4. MQTT 遥测订阅
	if s.consumer != nil {
		if err := s.consumer.Start(runCtx); err != nil {
			cancel()
			<-s.pipeDone
			s.monitor.Stop()
			return fmt.Errorf("failed to start telemetry consumer: %w", err)
		}
	}

	// 5. HTTP
	go func() {
		if err := s.server.Start(); err != nil {
			s.logger.Error("HTTP server exited", zap.Error(err))
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()

	s.cancel = cancel
	return nil
}

// Stop 按依赖逆序停止：入口 → 流水线 → 巡检 → 后台任务 → 连接
func (s *BandService) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, pipeDone := s.cancel, s.pipeDone
	s.mu.Unlock()

	s.logger.Info("Stopping band service")

	shutdownCtx, done := context.WithTimeout(context.Background(), s.config.HTTP.ShutdownTimeout)
	defer done()

	if cancel != nil {
		if err := s.server.Stop(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
		if s.consumer != nil {
			if err := s.consumer.Stop(); err != nil {
				s.logger.Warn("Failed to unsubscribe telemetry", zap.Error(err))
			}
		}
		cancel()
		<-pipeDone
	}

	if err := s.queue.Close(); err != nil {
		s.logger.Warn("Failed to close queue", zap.Error(err))
	}
	s.monitor.Stop()

	if err := s.runner.Close(shutdownCtx); err != nil {
		s.logger.Warn("Background tasks did not finish", zap.Error(err))
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := redis.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Band service stopped")
	return nil
}
