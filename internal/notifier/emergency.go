package notifier

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"healthfolio-alert/internal/models"
)

// ContactStore 紧急联系人查询接口（由 repository.ContactRepository 实现）
type ContactStore interface {
	GetEmergencyContacts(ctx context.Context, userID string) ([]*models.EmergencyContact, error)
}

// EmergencyHandler 紧急联系人通知处理器
// 只处理 critical 级报警；同一报警同一级别只通知一次（幂等），
// 原位升级到 critical 会再触发一次。
type EmergencyHandler struct {
	contacts   ContactStore
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	notified map[string]int // alertID -> 已通知的最高级别权重
}

// NewEmergencyHandler 创建紧急通知处理器
func NewEmergencyHandler(contacts ContactStore, dispatcher *Dispatcher, logger *zap.Logger) *EmergencyHandler {
	return &EmergencyHandler{
		contacts:   contacts,
		dispatcher: dispatcher,
		logger:     logger,
		notified:   make(map[string]int),
	}
}

// Trigger 报警达到 critical 时通知紧急联系人
// 重复触发（同一报警、同一级别）为空操作
func (h *EmergencyHandler) Trigger(ctx context.Context, alert *models.Alert) error {
	if alert.Severity != models.SeverityCritical {
		return nil
	}

	h.mu.Lock()
	if h.notified[alert.ID] >= alert.Severity.Rank() {
		h.mu.Unlock()
		return nil
	}
	h.notified[alert.ID] = alert.Severity.Rank()
	h.mu.Unlock()

	return h.notifyContacts(ctx, alert, alert.Reason)
}

// NotifyEscalation critical 报警超时未确认时再次通知
// 不走幂等保护，每次到期事件都会触达
func (h *EmergencyHandler) NotifyEscalation(ctx context.Context, alert *models.Alert) error {
	reason := fmt.Sprintf("UNACKNOWLEDGED: %s", alert.Reason)
	return h.notifyContacts(ctx, alert, reason)
}

// Forget 报警进入终态后清理幂等记录
func (h *EmergencyHandler) Forget(alertID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.notified, alertID)
}

func (h *EmergencyHandler) notifyContacts(ctx context.Context, alert *models.Alert, reason string) error {
	contacts, err := h.contacts.GetEmergencyContacts(ctx, alert.UserID)
	if err != nil {
		return fmt.Errorf("failed to get emergency contacts: %w", err)
	}

	if len(contacts) == 0 {
		// 不能静默吞掉：critical 报警没有可触达的联系人必须留痕
		h.logger.Error("No emergency contacts configured for critical alert",
			zap.String("alert_id", alert.ID),
			zap.String("user_id", alert.UserID),
			zap.String("metric_type", string(alert.MetricType)))
		return nil
	}

	for _, contact := range contacts {
		if contact.SMS != nil {
			h.dispatcher.Enqueue(&Notification{
				AlertID:    alert.ID,
				UserID:     alert.UserID,
				MetricType: alert.MetricType,
				Severity:   alert.Severity,
				Channel:    models.ChannelSMS,
				Reason:     reason,
				Recipient:  *contact.SMS,
				Emergency:  true,
			})
		}
		if contact.Email != nil {
			h.dispatcher.Enqueue(&Notification{
				AlertID:    alert.ID,
				UserID:     alert.UserID,
				MetricType: alert.MetricType,
				Severity:   alert.Severity,
				Channel:    models.ChannelEmail,
				Reason:     reason,
				Recipient:  *contact.Email,
				Emergency:  true,
			})
		}
	}

	h.logger.Info("Emergency contacts notified",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.Int("contacts", len(contacts)))

	return nil
}
