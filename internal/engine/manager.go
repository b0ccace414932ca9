package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthfolio-alert/internal/classifier"
	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/models"
)

// OperationAutoRelieved 读数恢复正常时自动解除的操作标记
const OperationAutoRelieved = "auto_relieved"

// AlertStore 报警持久化接口（由 repository.AlertRepository 实现）
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	GetOpenAlert(ctx context.Context, userID string, metricType models.MetricType) (*models.Alert, error)
	UpdateClassification(ctx context.Context, alert *models.Alert) error
	UpdateStatusCAS(ctx context.Context, alertID string, from []models.AlertStatus, to models.AlertStatus, operation *string) (bool, error)
	EscalateSeverityIfActive(ctx context.Context, alertID string, severity models.Severity, deadline *time.Time) (bool, error)
	SetEscalationDeadline(ctx context.Context, alertID string, deadline *time.Time) error
	ListOpenAlerts(ctx context.Context, userID string) ([]*models.Alert, error)
	ListPendingEscalations(ctx context.Context) ([]*models.Alert, error)
}

// Dispatcher 通知调度接口（异步，不阻塞报警管线）
type Dispatcher interface {
	Dispatch(alert *models.Alert)
}

// EmergencyNotifier 紧急联系人通知接口
type EmergencyNotifier interface {
	Trigger(ctx context.Context, alert *models.Alert) error
	NotifyEscalation(ctx context.Context, alert *models.Alert) error
}

// AlertCache 用户活跃报警缓存接口（由 consumer.CacheManager 实现）
type AlertCache interface {
	UpdateAlertCache(ctx context.Context, userID string, alerts []*models.Alert) error
}

// AlertManager 报警生命周期管理器
// 职责：
// - 按分类结果创建/原位升级/刷新报警
// - 去重不变量：每个 (user, metric) 至多一条 active/acknowledged 报警
// - 状态机：active -> acknowledged -> resolved；active -> resolved；active -> dismissed
// - 同一 (user, metric) 的并发读数用键级互斥锁串行化
type AlertManager struct {
	store      AlertStore
	scheduler  *Scheduler
	dispatcher Dispatcher
	emergency  EmergencyNotifier
	cache      AlertCache
	cfg        *config.Config
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAlertManager 创建报警管理器并绑定升级回调
func NewAlertManager(
	store AlertStore,
	scheduler *Scheduler,
	dispatcher Dispatcher,
	emergency EmergencyNotifier,
	cache AlertCache,
	cfg *config.Config,
	logger *zap.Logger,
) *AlertManager {
	m := &AlertManager{
		store:      store,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		emergency:  emergency,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
	scheduler.bind(m.onEscalationDue)
	return m
}

// keyLock 获取 (user, metric) 级互斥锁
func (m *AlertManager) keyLock(userID string, metricType models.MetricType) *sync.Mutex {
	key := userID + ":" + string(metricType)

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// escalationDeadline 按级别计算升级截止时间（info 级不升级）
func (m *AlertManager) escalationDeadline(severity models.Severity, now time.Time) *time.Time {
	var delay time.Duration
	switch severity {
	case models.SeverityWarning:
		delay = m.cfg.Alert.Escalation.WarningDelay
	case models.SeverityCritical:
		delay = m.cfg.Alert.Escalation.CriticalDelay
	default:
		return nil
	}
	deadline := now.Add(delay)
	return &deadline
}

// HandleClassification 处理一条读数的分类结果
// classification 为 nil 表示读数正常（可选触发自动解除）。
func (m *AlertManager) HandleClassification(
	ctx context.Context,
	reading models.MetricReading,
	classification *classifier.Classification,
) (*models.IngestResult, error) {
	lock := m.keyLock(reading.UserID, reading.MetricType)
	lock.Lock()
	defer lock.Unlock()

	result := &models.IngestResult{}

	open, err := m.store.GetOpenAlert(ctx, reading.UserID, reading.MetricType)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open alert: %w", err)
	}

	if classification == nil {
		if open != nil && m.cfg.Alert.AutoResolve {
			m.autoResolve(ctx, open)
		}
		return result, nil
	}

	if open == nil {
		if err := m.createAlert(ctx, reading, classification); err != nil {
			return nil, err
		}
		result.AlertsCreated = 1
		return result, nil
	}

	if classification.Severity.Rank() > open.Severity.Rank() {
		if err := m.escalateInPlace(ctx, open, reading, classification); err != nil {
			return nil, err
		}
		result.AlertsEscalated = 1
		return result, nil
	}

	// 同级或更低级的读数只刷新当前值和说明，不降级、不重复通知
	open.CurrentValue = reading.Value
	open.Reason = classification.Reason
	open.UpdatedAt = time.Now()
	if err := m.store.UpdateClassification(ctx, open); err != nil {
		return nil, fmt.Errorf("failed to refresh alert: %w", err)
	}
	m.refreshCache(ctx, reading.UserID)

	return result, nil
}

// createAlert 创建新报警并触发通知
func (m *AlertManager) createAlert(
	ctx context.Context,
	reading models.MetricReading,
	classification *classifier.Classification,
) error {
	now := time.Now()
	alert := &models.Alert{
		ID:                 uuid.New().String(),
		UserID:             reading.UserID,
		MetricType:         reading.MetricType,
		CurrentValue:       reading.Value,
		Severity:           classification.Severity,
		Cause:              classification.Cause,
		Reason:             classification.Reason,
		Status:             models.AlertStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
		EscalationDeadline: m.escalationDeadline(classification.Severity, now),
	}

	if err := m.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	m.logger.Info("Alert created",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.String("metric_type", string(alert.MetricType)),
		zap.String("severity", string(alert.Severity)),
		zap.String("cause", string(alert.Cause)))

	if alert.EscalationDeadline != nil {
		m.scheduler.Arm(alert.ID, *alert.EscalationDeadline)
	}

	m.dispatcher.Dispatch(alert)

	if alert.Severity == models.SeverityCritical {
		if err := m.emergency.Trigger(ctx, alert); err != nil {
			m.logger.Error("Failed to notify emergency contacts",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}

	m.refreshCache(ctx, alert.UserID)
	return nil
}

// escalateInPlace 更高级别的读数命中已有报警时原位升级
// 只升不降；升到 critical 时补触发紧急联系人通知。
func (m *AlertManager) escalateInPlace(
	ctx context.Context,
	alert *models.Alert,
	reading models.MetricReading,
	classification *classifier.Classification,
) error {
	now := time.Now()
	wasCritical := alert.Severity == models.SeverityCritical

	alert.Severity = classification.Severity
	alert.Cause = classification.Cause
	alert.Reason = classification.Reason
	alert.CurrentValue = reading.Value
	alert.UpdatedAt = now

	// 确认过的报警升级时不再重启升级时钟
	if alert.Status == models.AlertStatusActive {
		alert.EscalationDeadline = m.escalationDeadline(classification.Severity, now)
	} else {
		alert.EscalationDeadline = nil
	}

	if err := m.store.UpdateClassification(ctx, alert); err != nil {
		return fmt.Errorf("failed to escalate alert: %w", err)
	}

	m.logger.Info("Alert escalated in place",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.String("metric_type", string(alert.MetricType)),
		zap.String("severity", string(alert.Severity)))

	if alert.EscalationDeadline != nil {
		m.scheduler.Arm(alert.ID, *alert.EscalationDeadline)
	} else {
		m.scheduler.Cancel(alert.ID)
	}

	m.dispatcher.Dispatch(alert)

	if alert.Severity == models.SeverityCritical && !wasCritical {
		if err := m.emergency.Trigger(ctx, alert); err != nil {
			m.logger.Error("Failed to notify emergency contacts",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}

	m.refreshCache(ctx, alert.UserID)
	return nil
}

// autoResolve 读数恢复正常时自动解除活跃报警
func (m *AlertManager) autoResolve(ctx context.Context, alert *models.Alert) {
	operation := OperationAutoRelieved
	changed, err := m.store.UpdateStatusCAS(ctx, alert.ID,
		[]models.AlertStatus{models.AlertStatusActive},
		models.AlertStatusResolved, &operation)
	if err != nil {
		m.logger.Error("Failed to auto-resolve alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return
	}
	if !changed {
		return
	}

	m.scheduler.Cancel(alert.ID)
	m.refreshCache(ctx, alert.UserID)

	m.logger.Info("Alert auto-resolved",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.String("metric_type", string(alert.MetricType)))
}

// UpdateStatus 处理外部状态变更请求
// 状态机（其余转换返回 ErrInvalidTransition）：
// - acknowledge: active/acknowledged -> acknowledged（重复确认幂等）
// - resolve:     active/acknowledged -> resolved
// - dismiss:     active -> dismissed（critical 级不允许忽略）
func (m *AlertManager) UpdateStatus(
	ctx context.Context,
	alertID string,
	userID string,
	action models.StatusAction,
	operation *string,
) (*models.Alert, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: unknown status action: %s", models.ErrValidation, action)
	}

	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	// 别人的报警按不存在处理，不泄露存在性
	if userID != "" && alert.UserID != userID {
		return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
	}

	var from []models.AlertStatus
	var to models.AlertStatus

	switch action {
	case models.ActionAcknowledge:
		from = []models.AlertStatus{models.AlertStatusActive, models.AlertStatusAcknowledged}
		to = models.AlertStatusAcknowledged
	case models.ActionResolve:
		from = []models.AlertStatus{models.AlertStatusActive, models.AlertStatusAcknowledged}
		to = models.AlertStatusResolved
	case models.ActionDismiss:
		if alert.Severity == models.SeverityCritical {
			return nil, fmt.Errorf("%w: critical alerts cannot be dismissed", models.ErrInvalidTransition)
		}
		from = []models.AlertStatus{models.AlertStatusActive}
		to = models.AlertStatusDismissed
	}

	changed, err := m.store.UpdateStatusCAS(ctx, alertID, from, to, operation)
	if err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}

	if !changed {
		// CAS 未命中：重复操作幂等返回，其余视为非法转换
		current, err := m.store.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}
		if current.Status == to {
			return current, nil
		}
		return nil, fmt.Errorf("%w: cannot %s alert in status %s",
			models.ErrInvalidTransition, action, current.Status)
	}

	m.scheduler.Cancel(alertID)
	m.refreshCache(ctx, alert.UserID)

	updated, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Alert status updated",
		zap.String("alert_id", alertID),
		zap.String("action", string(action)),
		zap.String("status", string(updated.Status)))

	return updated, nil
}

// Recover 启动时从落库的截止时间重建升级定时器
// 已逾期的定时器立即触发
func (m *AlertManager) Recover(ctx context.Context) error {
	pending, err := m.store.ListPendingEscalations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending escalations: %w", err)
	}

	for _, alert := range pending {
		if alert.EscalationDeadline == nil {
			continue
		}
		m.scheduler.Arm(alert.ID, *alert.EscalationDeadline)
	}

	if len(pending) > 0 {
		m.logger.Info("Escalation timers recovered",
			zap.Int("count", len(pending)))
	}

	return nil
}

// onEscalationDue 升级定时器到期回调
// 重新读取状态，只有仍为 active 的报警才升级：
// - warning: 升为 critical，重新武装 critical 延迟，并触发紧急通知
// - critical: 通知紧急联系人升级事件；配置了冷却期时按冷却期重复
func (m *AlertManager) onEscalationDue(alertID string) {
	ctx := context.Background()

	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		m.logger.Error("Failed to load alert for escalation",
			zap.String("alert_id", alertID),
			zap.Error(err))
		return
	}

	if alert.Status != models.AlertStatusActive {
		return
	}

	switch alert.Severity {
	case models.SeverityWarning:
		now := time.Now()
		deadline := now.Add(m.cfg.Alert.Escalation.CriticalDelay)
		escalated, err := m.store.EscalateSeverityIfActive(ctx, alertID, models.SeverityCritical, &deadline)
		if err != nil {
			m.logger.Error("Failed to escalate overdue alert",
				zap.String("alert_id", alertID),
				zap.Error(err))
			return
		}
		if !escalated {
			// 确认/解除抢先了，升级作废
			return
		}

		alert.Severity = models.SeverityCritical
		alert.EscalationDeadline = &deadline
		alert.UpdatedAt = now

		m.logger.Warn("Unacknowledged warning escalated to critical",
			zap.String("alert_id", alertID),
			zap.String("user_id", alert.UserID),
			zap.String("metric_type", string(alert.MetricType)))

		m.scheduler.Arm(alertID, deadline)
		m.dispatcher.Dispatch(alert)

		if err := m.emergency.Trigger(ctx, alert); err != nil {
			m.logger.Error("Failed to notify emergency contacts",
				zap.String("alert_id", alertID),
				zap.Error(err))
		}

		m.refreshCache(ctx, alert.UserID)

	case models.SeverityCritical:
		m.logger.Warn("Critical alert unacknowledged past deadline",
			zap.String("alert_id", alertID),
			zap.String("user_id", alert.UserID),
			zap.String("metric_type", string(alert.MetricType)))

		if err := m.emergency.NotifyEscalation(ctx, alert); err != nil {
			m.logger.Error("Failed to notify emergency escalation",
				zap.String("alert_id", alertID),
				zap.Error(err))
		}

		cooldown := m.cfg.Alert.Escalation.CriticalRenotifyCooldown
		if cooldown > 0 {
			deadline := time.Now().Add(cooldown)
			if err := m.store.SetEscalationDeadline(ctx, alertID, &deadline); err != nil {
				m.logger.Error("Failed to persist renotify deadline",
					zap.String("alert_id", alertID),
					zap.Error(err))
				return
			}
			m.scheduler.Arm(alertID, deadline)
			m.dispatcher.Dispatch(alert)
		} else {
			if err := m.store.SetEscalationDeadline(ctx, alertID, nil); err != nil {
				m.logger.Error("Failed to clear escalation deadline",
					zap.String("alert_id", alertID),
					zap.Error(err))
			}
		}
	}
}

// refreshCache 重建用户活跃报警缓存
func (m *AlertManager) refreshCache(ctx context.Context, userID string) {
	if m.cache == nil {
		return
	}

	alerts, err := m.store.ListOpenAlerts(ctx, userID)
	if err != nil {
		m.logger.Warn("Failed to list open alerts for cache refresh",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	if err := m.cache.UpdateAlertCache(ctx, userID, alerts); err != nil {
		m.logger.Warn("Failed to refresh alert cache",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
