package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"healthfolio-alert/internal/baseline"
	"healthfolio-alert/internal/classifier"
	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/consumer"
	"healthfolio-alert/internal/engine"
	httpapi "healthfolio-alert/internal/http"
	"healthfolio-alert/internal/models"
	"healthfolio-alert/internal/notifier"
	"healthfolio-alert/internal/repository"
	"healthfolio-alert/pkg/database"
	redisutil "healthfolio-alert/pkg/redis"
)

// AlertService 报警服务（整合各层）
type AlertService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	riskParams      *config.RiskParams
	stateManager    *consumer.StateManager
	cacheManager    *consumer.CacheManager
	alertRepo       *repository.AlertRepository
	baselineRepo    *repository.BaselineRepository
	contactRepo     *repository.ContactRepository
	tracker         *baseline.Tracker
	scheduler       *engine.Scheduler
	dispatcher      *notifier.Dispatcher
	emergency       *notifier.EmergencyHandler
	manager         *engine.AlertManager
	readingConsumer *consumer.ReadingConsumer
	httpServer      *http.Server
}

// NewAlertService 创建报警服务
func NewAlertService(cfg *config.Config, logger *zap.Logger) (*AlertService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisutil.NewRedisClient(&cfg.Redis)
	ctx := context.Background()
	if err := redisutil.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 加载风险参数（文件缺省时使用内置临床默认值）
	riskParams, err := config.LoadRiskParams(cfg.Alert.RiskParamsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk parameters: %w", err)
	}

	// 4. 创建 Repository 层
	alertRepo := repository.NewAlertRepository(db, logger)
	baselineRepo := repository.NewBaselineRepository(db, logger)
	contactRepo := repository.NewContactRepository(db, logger)

	// 5. 创建 Redis 状态/缓存层
	stateManager := consumer.NewStateManager(cfg, redisClient, logger)
	cacheManager := consumer.NewCacheManager(cfg, redisClient, logger)

	// 6. 创建基线跟踪器
	tracker := baseline.NewTracker(riskParams, stateManager, baselineRepo, logger)

	// 7. 创建通知层
	gateway := notifier.NewWebhookGateway(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger)
	dispatcher := notifier.NewDispatcher(gateway, contactRepo, cfg, logger)
	emergency := notifier.NewEmergencyHandler(contactRepo, dispatcher, logger)

	// 8. 创建报警管理器和升级调度器
	scheduler := engine.NewScheduler(logger)
	manager := engine.NewAlertManager(alertRepo, scheduler, dispatcher, emergency, cacheManager, cfg, logger)

	// 9. 创建读数流消费者
	readingConsumer := consumer.NewReadingConsumer(cfg, redisClient, logger)

	return &AlertService{
		config:          cfg,
		db:              db,
		redisClient:     redisClient,
		logger:          logger,
		riskParams:      riskParams,
		stateManager:    stateManager,
		cacheManager:    cacheManager,
		alertRepo:       alertRepo,
		baselineRepo:    baselineRepo,
		contactRepo:     contactRepo,
		tracker:         tracker,
		scheduler:       scheduler,
		dispatcher:      dispatcher,
		emergency:       emergency,
		manager:         manager,
		readingConsumer: readingConsumer,
	}, nil
}

// Ingest 处理单条读数：校验 -> 更新基线 -> 分类 -> 报警动作
// 实现 consumer.Ingestor，HTTP 摄取端点复用同一路径
func (s *AlertService) Ingest(ctx context.Context, reading models.MetricReading) (models.IngestResult, error) {
	if err := reading.Validate(); err != nil {
		return models.IngestResult{}, err
	}

	params, ok := s.riskParams.Get(reading.MetricType)
	if !ok {
		return models.IngestResult{}, fmt.Errorf("%w: no risk parameters for metric: %s",
			models.ErrValidation, reading.MetricType)
	}

	baselines, err := s.tracker.Update(ctx, reading)
	if err != nil {
		return models.IngestResult{}, fmt.Errorf("failed to update baseline: %w", err)
	}

	classification := classifier.Classify(params, reading.Value, baselines)

	result, err := s.manager.HandleClassification(ctx, reading, classification)
	if err != nil {
		return models.IngestResult{}, err
	}

	return *result, nil
}

// GetAlerts 查询用户报警列表（级别降序，同级别按时间降序）
func (s *AlertService) GetAlerts(ctx context.Context, userID string, severity *models.Severity) ([]*models.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrValidation)
	}
	if severity != nil && !severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity: %s", models.ErrValidation, *severity)
	}
	return s.alertRepo.ListAlerts(ctx, userID, severity)
}

// GetOpenAlerts 查询用户未关闭报警，优先走缓存
func (s *AlertService) GetOpenAlerts(ctx context.Context, userID string) ([]*models.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrValidation)
	}

	cached, err := s.cacheManager.GetAlertCache(ctx, userID)
	if err != nil {
		s.logger.Warn("Alert cache read failed, falling back to database",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	if cached != nil {
		return cached, nil
	}

	alerts, err := s.alertRepo.ListOpenAlerts(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.cacheManager.UpdateAlertCache(ctx, userID, alerts); err != nil {
		s.logger.Warn("Failed to backfill alert cache",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	return alerts, nil
}

// UpdateAlertStatus 处理状态变更请求
func (s *AlertService) UpdateAlertStatus(
	ctx context.Context,
	alertID string,
	userID string,
	action models.StatusAction,
	operation *string,
) (*models.Alert, error) {
	alert, err := s.manager.UpdateStatus(ctx, alertID, userID, action, operation)
	if err != nil {
		return nil, err
	}

	if alert.Status.IsTerminal() {
		s.emergency.Forget(alertID)
	}

	return alert, nil
}

// Start 启动服务（阻塞直到 ctx 取消）
func (s *AlertService) Start(ctx context.Context) error {
	s.logger.Info("Starting alert service")

	// 通知 worker 池
	s.dispatcher.Start(ctx)

	// 重建落库的升级定时器
	if err := s.manager.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover escalation timers: %w", err)
	}

	// HTTP API
	router := httpapi.NewRouter(s.logger)
	router.RegisterAlertRoutes(httpapi.NewAlertHandler(s, s.logger))

	s.httpServer = &http.Server{
		Addr:    s.config.HTTP.Addr,
		Handler: router,
	}

	go func() {
		s.logger.Info("HTTP server listening",
			zap.String("addr", s.config.HTTP.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed",
				zap.Error(err))
		}
	}()

	// 读数流消费循环（阻塞）
	return s.readingConsumer.Start(ctx, s)
}

// Stop 停止服务
func (s *AlertService) Stop() error {
	s.logger.Info("Stopping alert service")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shut down HTTP server",
				zap.Error(err))
		}
	}

	s.scheduler.Stop()
	s.dispatcher.Stop()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err))
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err))
	}

	return nil
}
