package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthfolio-alert/internal/classifier"
	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/models"
)

// ============================================
// 测试用内存实现
// ============================================

type fakeStore struct {
	mu     sync.Mutex
	alerts map[string]*models.Alert
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[string]*models.Alert)}
}

func (s *fakeStore) CreateAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *fakeStore) GetAlert(_ context.Context, alertID string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
	}
	cp := *alert
	return &cp, nil
}

func (s *fakeStore) GetOpenAlert(_ context.Context, userID string, metricType models.MetricType) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, alert := range s.alerts {
		if alert.UserID == userID && alert.MetricType == metricType && !alert.Status.IsTerminal() {
			cp := *alert
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateClassification(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alerts[alert.ID]
	if !ok {
		return models.ErrNotFound
	}
	stored.Severity = alert.Severity
	stored.Cause = alert.Cause
	stored.Reason = alert.Reason
	stored.CurrentValue = alert.CurrentValue
	stored.EscalationDeadline = alert.EscalationDeadline
	stored.UpdatedAt = alert.UpdatedAt
	return nil
}

func (s *fakeStore) UpdateStatusCAS(_ context.Context, alertID string, from []models.AlertStatus, to models.AlertStatus, operation *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if alert.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	now := time.Now()
	alert.Status = to
	alert.UpdatedAt = now
	alert.EscalationDeadline = nil
	if operation != nil {
		alert.Operation = operation
	}
	switch to {
	case models.AlertStatusAcknowledged:
		alert.AcknowledgedAt = &now
	case models.AlertStatusResolved:
		alert.ResolvedAt = &now
	}
	return true, nil
}

func (s *fakeStore) EscalateSeverityIfActive(_ context.Context, alertID string, severity models.Severity, deadline *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok || alert.Status != models.AlertStatusActive {
		return false, nil
	}
	alert.Severity = severity
	alert.EscalationDeadline = deadline
	alert.UpdatedAt = time.Now()
	return true, nil
}

func (s *fakeStore) SetEscalationDeadline(_ context.Context, alertID string, deadline *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert, ok := s.alerts[alertID]; ok {
		alert.EscalationDeadline = deadline
	}
	return nil
}

func (s *fakeStore) ListOpenAlerts(_ context.Context, userID string) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alerts := []*models.Alert{}
	for _, alert := range s.alerts {
		if alert.UserID == userID && !alert.Status.IsTerminal() {
			cp := *alert
			alerts = append(alerts, &cp)
		}
	}
	return alerts, nil
}

func (s *fakeStore) ListPendingEscalations(_ context.Context) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alerts := []*models.Alert{}
	for _, alert := range s.alerts {
		if alert.Status == models.AlertStatusActive && alert.EscalationDeadline != nil {
			cp := *alert
			alerts = append(alerts, &cp)
		}
	}
	return alerts, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []*models.Alert
}

func (d *fakeDispatcher) Dispatch(alert *models.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *alert
	d.dispatched = append(d.dispatched, &cp)
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

type fakeEmergency struct {
	mu          sync.Mutex
	triggered   []string
	escalations []string
}

func (e *fakeEmergency) Trigger(_ context.Context, alert *models.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggered = append(e.triggered, alert.ID)
	return nil
}

func (e *fakeEmergency) NotifyEscalation(_ context.Context, alert *models.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalations = append(e.escalations, alert.ID)
	return nil
}

func (e *fakeEmergency) triggerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.triggered)
}

func setupManager(t *testing.T) (*AlertManager, *fakeStore, *fakeDispatcher, *fakeEmergency) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Alert.Escalation.WarningDelay = 30 * time.Minute
	cfg.Alert.Escalation.CriticalDelay = 5 * time.Minute

	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	emergency := &fakeEmergency{}
	scheduler := NewScheduler(zap.NewNop())
	t.Cleanup(scheduler.Stop)

	manager := NewAlertManager(store, scheduler, dispatcher, emergency, nil, cfg, zap.NewNop())
	return manager, store, dispatcher, emergency
}

func heartRateReading(userID string, value float64) models.MetricReading {
	return models.MetricReading{
		UserID:     userID,
		MetricType: models.MetricHeartRate,
		Value:      models.ScalarValue(value),
		Timestamp:  time.Now(),
	}
}

func criticalClassification() *classifier.Classification {
	return &classifier.Classification{
		Severity: models.SeverityCritical,
		Cause:    models.CauseCriticalThreshold,
		Reason:   "heart_rate 190 bpm outside critical bounds [40, 180]",
	}
}

func warningClassification() *classifier.Classification {
	return &classifier.Classification{
		Severity: models.SeverityWarning,
		Cause:    models.CauseWarningThreshold,
		Reason:   "heart_rate 160 bpm outside warning bounds [50, 150]",
	}
}

// ============================================
// 报警创建和去重测试
// ============================================

func TestHandleClassification_NormalReadingNoAlert(t *testing.T) {
	manager, store, dispatcher, _ := setupManager(t)

	result, err := manager.HandleClassification(context.Background(), heartRateReading("user-1", 72), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, result.AlertsCreated)
	assert.Equal(t, 0, dispatcher.count())
	assert.Empty(t, store.alerts)
}

func TestHandleClassification_CriticalCreatesAlertAndEmergency(t *testing.T) {
	manager, store, dispatcher, emergency := setupManager(t)

	result, err := manager.HandleClassification(context.Background(), heartRateReading("user-1", 190), criticalClassification())

	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsCreated)
	assert.Equal(t, 1, dispatcher.count())
	assert.Equal(t, 1, emergency.triggerCount())

	open, err := store.GetOpenAlert(context.Background(), "user-1", models.MetricHeartRate)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, models.SeverityCritical, open.Severity)
	assert.Equal(t, models.AlertStatusActive, open.Status)
	require.NotNil(t, open.EscalationDeadline)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *open.EscalationDeadline, time.Minute)
}

func TestHandleClassification_WarningDoesNotTriggerEmergency(t *testing.T) {
	manager, _, dispatcher, emergency := setupManager(t)

	result, err := manager.HandleClassification(context.Background(), heartRateReading("user-1", 160), warningClassification())

	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsCreated)
	assert.Equal(t, 1, dispatcher.count())
	assert.Equal(t, 0, emergency.triggerCount())
}

func TestHandleClassification_DedupRefreshesExistingAlert(t *testing.T) {
	manager, store, dispatcher, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 190), criticalClassification())
	require.NoError(t, err)

	// 同一 (user, metric) 的第二条异常读数不新建报警，只刷新当前值
	second := criticalClassification()
	second.Reason = "heart_rate 195 bpm outside critical bounds [40, 180]"
	result, err := manager.HandleClassification(ctx, heartRateReading("user-1", 195), second)

	require.NoError(t, err)
	assert.Equal(t, 0, result.AlertsCreated)
	assert.Equal(t, 0, result.AlertsEscalated)
	assert.Len(t, store.alerts, 1)
	assert.Equal(t, 1, dispatcher.count())

	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)
	assert.Equal(t, 195.0, *open.CurrentValue.Scalar)
	assert.Contains(t, open.Reason, "195")
}

func TestHandleClassification_EscalatesInPlace(t *testing.T) {
	manager, store, dispatcher, emergency := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)

	result, err := manager.HandleClassification(ctx, heartRateReading("user-1", 190), criticalClassification())

	require.NoError(t, err)
	assert.Equal(t, 0, result.AlertsCreated)
	assert.Equal(t, 1, result.AlertsEscalated)
	assert.Len(t, store.alerts, 1)
	assert.Equal(t, 2, dispatcher.count())
	assert.Equal(t, 1, emergency.triggerCount())

	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)
	assert.Equal(t, models.SeverityCritical, open.Severity)
}

func TestHandleClassification_NeverDowngrades(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 190), criticalClassification())
	require.NoError(t, err)

	// 后续 warning 级读数只刷新值，级别保持 critical
	result, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())

	require.NoError(t, err)
	assert.Equal(t, 0, result.AlertsEscalated)

	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)
	assert.Equal(t, models.SeverityCritical, open.Severity)
	assert.Equal(t, 160.0, *open.CurrentValue.Scalar)
}

func TestHandleClassification_AutoResolve(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	manager.cfg.Alert.AutoResolve = true
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)

	_, err = manager.HandleClassification(ctx, heartRateReading("user-1", 72), nil)
	require.NoError(t, err)

	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)
	assert.Nil(t, open)

	for _, alert := range store.alerts {
		assert.Equal(t, models.AlertStatusResolved, alert.Status)
		require.NotNil(t, alert.Operation)
		assert.Equal(t, OperationAutoRelieved, *alert.Operation)
	}
}

// ============================================
// 状态机测试
// ============================================

func TestUpdateStatus_AcknowledgeThenResolve(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 190), criticalClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	acked, err := manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionAcknowledge, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, acked.Status)
	assert.NotNil(t, acked.AcknowledgedAt)
	assert.Nil(t, acked.EscalationDeadline)

	// 重复确认幂等
	again, err := manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionAcknowledge, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, again.Status)

	resolved, err := manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionResolve, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestUpdateStatus_DirectResolve(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	resolved, err := manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionResolve, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
}

func TestUpdateStatus_DismissWarning(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	dismissed, err := manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionDismiss, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDismissed, dismissed.Status)
}

func TestUpdateStatus_CriticalCannotBeDismissed(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 190), criticalClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	_, err = manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionDismiss, nil)

	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	current, _ := store.GetAlert(ctx, open.ID)
	assert.Equal(t, models.AlertStatusActive, current.Status)
}

func TestUpdateStatus_TerminalIsFinal(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	_, err = manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionResolve, nil)
	require.NoError(t, err)

	_, err = manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionAcknowledge, nil)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestUpdateStatus_UnknownAlert(t *testing.T) {
	manager, _, _, _ := setupManager(t)

	_, err := manager.UpdateStatus(context.Background(), "no-such-alert", "user-1", models.ActionAcknowledge, nil)

	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUpdateStatus_ForeignAlertIsNotFound(t *testing.T) {
	manager, store, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	// 别人的报警按不存在处理
	_, err = manager.UpdateStatus(ctx, open.ID, "user-2", models.ActionAcknowledge, nil)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	current, _ := store.GetAlert(ctx, open.ID)
	assert.Equal(t, models.AlertStatusActive, current.Status)
}

// ============================================
// 升级定时器测试
// ============================================

func TestEscalation_WarningEscalatesToCritical(t *testing.T) {
	manager, store, dispatcher, emergency := setupManager(t)
	manager.cfg.Alert.Escalation.WarningDelay = 20 * time.Millisecond
	manager.cfg.Alert.Escalation.CriticalDelay = time.Hour
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)
		return open != nil && open.Severity == models.SeverityCritical
	}, time.Second, 5*time.Millisecond)

	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)
	assert.Equal(t, models.AlertStatusActive, open.Status)
	require.NotNil(t, open.EscalationDeadline)
	assert.Equal(t, 2, dispatcher.count())
	assert.Equal(t, 1, emergency.triggerCount())
}

func TestEscalation_AcknowledgeCancelsTimer(t *testing.T) {
	manager, store, _, emergency := setupManager(t)
	manager.cfg.Alert.Escalation.WarningDelay = 30 * time.Millisecond
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 160), warningClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	_, err = manager.UpdateStatus(ctx, open.ID, "user-1", models.ActionAcknowledge, nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	current, _ := store.GetAlert(ctx, open.ID)
	assert.Equal(t, models.SeverityWarning, current.Severity)
	assert.Equal(t, 0, emergency.triggerCount())
}

func TestEscalation_CriticalOverdueNotifiesEmergency(t *testing.T) {
	manager, store, _, emergency := setupManager(t)
	manager.cfg.Alert.Escalation.CriticalDelay = 20 * time.Millisecond
	ctx := context.Background()

	_, err := manager.HandleClassification(ctx, heartRateReading("user-1", 190), criticalClassification())
	require.NoError(t, err)
	open, _ := store.GetOpenAlert(ctx, "user-1", models.MetricHeartRate)

	assert.Eventually(t, func() bool {
		emergency.mu.Lock()
		defer emergency.mu.Unlock()
		return len(emergency.escalations) == 1
	}, time.Second, 5*time.Millisecond)

	// 冷却期未配置时不再重复武装
	current, _ := store.GetAlert(ctx, open.ID)
	assert.Eventually(t, func() bool {
		c, _ := store.GetAlert(ctx, open.ID)
		return c.EscalationDeadline == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.AlertStatusActive, current.Status)
}

func TestRecover_RearmsPersistedDeadlines(t *testing.T) {
	manager, store, _, emergency := setupManager(t)
	ctx := context.Background()

	// 模拟重启前落库的逾期 critical 报警
	past := time.Now().Add(-time.Minute)
	alert := &models.Alert{
		ID:                 "alert-recovered",
		UserID:             "user-1",
		MetricType:         models.MetricHeartRate,
		CurrentValue:       models.ScalarValue(190),
		Severity:           models.SeverityCritical,
		Cause:              models.CauseCriticalThreshold,
		Status:             models.AlertStatusActive,
		CreatedAt:          past,
		UpdatedAt:          past,
		EscalationDeadline: &past,
	}
	require.NoError(t, store.CreateAlert(ctx, alert))

	require.NoError(t, manager.Recover(ctx))

	assert.Eventually(t, func() bool {
		emergency.mu.Lock()
		defer emergency.mu.Unlock()
		return len(emergency.escalations) == 1
	}, time.Second, 5*time.Millisecond)
}
