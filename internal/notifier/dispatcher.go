package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/models"
)

// PreferencesStore 用户通知偏好查询接口（由 repository.ContactRepository 实现）
type PreferencesStore interface {
	GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error)
}

// channelsFor 级别到通道的映射
// critical 级通知不受用户退订影响
func channelsFor(severity models.Severity) []models.NotificationChannel {
	switch severity {
	case models.SeverityCritical:
		return []models.NotificationChannel{models.ChannelInApp, models.ChannelPush, models.ChannelSMS, models.ChannelEmail}
	case models.SeverityWarning:
		return []models.NotificationChannel{models.ChannelPush}
	default:
		return []models.NotificationChannel{models.ChannelInApp}
	}
}

// Dispatcher 通知调度器
// 报警管线只做非阻塞入队，实际投递由 worker 池异步完成，
// 单通道失败按指数退避重试，重试耗尽只记日志不回传。
// 队列满时丢弃并告警，不阻塞读数摄取。
type Dispatcher struct {
	gateway Gateway
	prefs   PreferencesStore
	cfg     *config.Config
	logger  *zap.Logger

	queue  chan *Notification
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewDispatcher 创建通知调度器
func NewDispatcher(gateway Gateway, prefs PreferencesStore, cfg *config.Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		gateway: gateway,
		prefs:   prefs,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan *Notification, cfg.Notify.QueueSize),
	}
}

// Start 启动投递 worker 池
func (d *Dispatcher) Start(ctx context.Context) {
	workers := d.cfg.Notify.Workers
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.logger.Info("Notification dispatcher started",
		zap.Int("workers", workers),
		zap.Int("queue_size", d.cfg.Notify.QueueSize))
}

// Stop 关闭队列并等待在途通知投递完成
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Notification dispatcher stopped")
}

// Dispatch 按报警级别展开通道并异步投递
// 非 critical 级通知尊重用户的通道退订
func (d *Dispatcher) Dispatch(alert *models.Alert) {
	ctx := context.Background()

	var prefs *models.UserPreferences
	if d.prefs != nil && alert.Severity != models.SeverityCritical {
		p, err := d.prefs.GetUserPreferences(ctx, alert.UserID)
		if err != nil {
			d.logger.Warn("Failed to load user preferences, defaulting to opt-in",
				zap.String("user_id", alert.UserID),
				zap.Error(err))
		} else {
			prefs = p
		}
	}

	for _, channel := range channelsFor(alert.Severity) {
		if alert.Severity != models.SeverityCritical && !prefs.OptedIn(channel) {
			d.logger.Debug("Channel opted out",
				zap.String("user_id", alert.UserID),
				zap.String("channel", string(channel)))
			continue
		}

		d.Enqueue(&Notification{
			AlertID:    alert.ID,
			UserID:     alert.UserID,
			MetricType: alert.MetricType,
			Severity:   alert.Severity,
			Channel:    channel,
			Reason:     alert.Reason,
		})
	}
}

// Enqueue 非阻塞入队，队列满时丢弃并记日志
func (d *Dispatcher) Enqueue(notification *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn("Dispatcher closed, notification dropped",
			zap.String("alert_id", notification.AlertID),
			zap.String("channel", string(notification.Channel)))
		return
	}

	select {
	case d.queue <- notification:
	default:
		d.logger.Error("Notification queue full, notification dropped",
			zap.String("alert_id", notification.AlertID),
			zap.String("user_id", notification.UserID),
			zap.String("channel", string(notification.Channel)),
			zap.String("severity", string(notification.Severity)))
	}
}

// worker 队列消费循环
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for notification := range d.queue {
		d.deliver(ctx, notification)
	}
}

// deliver 带指数退避重试的单条投递
func (d *Dispatcher) deliver(ctx context.Context, notification *Notification) {
	maxAttempts := d.cfg.Notify.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempt := models.NotificationAttempt{
		AlertID: notification.AlertID,
		Channel: notification.Channel,
	}

	backoff := d.cfg.Notify.BackoffBase
	for attempt.AttemptCount = 1; attempt.AttemptCount <= maxAttempts; attempt.AttemptCount++ {
		err := d.gateway.Send(ctx, notification)
		if err == nil {
			d.logger.Info("Notification delivered",
				zap.String("alert_id", notification.AlertID),
				zap.String("user_id", notification.UserID),
				zap.String("channel", string(notification.Channel)),
				zap.String("severity", string(notification.Severity)),
				zap.Int("attempt", attempt.AttemptCount))
			return
		}

		attempt.LastError = err.Error()
		d.logger.Warn("Notification delivery failed",
			zap.String("alert_id", notification.AlertID),
			zap.String("channel", string(notification.Channel)),
			zap.Int("attempt", attempt.AttemptCount),
			zap.Error(err))

		if attempt.AttemptCount < maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
	}

	d.logger.Error("Notification delivery exhausted retries",
		zap.String("alert_id", notification.AlertID),
		zap.String("user_id", notification.UserID),
		zap.String("channel", string(notification.Channel)),
		zap.Int("attempts", maxAttempts),
		zap.String("last_error", attempt.LastError))
}
