package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"healthfolio-alert/internal/models"
)

// Notification 单次通知投递
type Notification struct {
	AlertID    string                     `json:"alert_id"`
	UserID     string                     `json:"user_id"`
	MetricType models.MetricType          `json:"metric_type"`
	Severity   models.Severity            `json:"severity"`
	Channel    models.NotificationChannel `json:"channel"`
	Reason     string                     `json:"reason"`
	Recipient  string                     `json:"recipient,omitempty"` // 紧急通知时为联系人号码/邮箱
	Emergency  bool                       `json:"emergency,omitempty"`
}

// Gateway 通知网关接口
type Gateway interface {
	Send(ctx context.Context, notification *Notification) error
}

// WebhookResponse 通知网关响应
type WebhookResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// WebhookGateway 通知网关客户端
// 所有通道（in_app/push/sms/email）统一投递到通知网关服务，
// 由网关按 channel 字段路由到具体供应商。
type WebhookGateway struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewWebhookGateway 创建通知网关客户端
// 重试由 Dispatcher 统一负责，这里不做 resty 层重试
func NewWebhookGateway(baseURL string, timeout time.Duration, logger *zap.Logger) *WebhookGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookGateway{
		httpClient: client,
		logger:     logger,
	}
}

// Send 投递单条通知
func (g *WebhookGateway) Send(ctx context.Context, notification *Notification) error {
	var response WebhookResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetBody(notification).
		SetResult(&response).
		Post("")

	if err != nil {
		return fmt.Errorf("failed to call notification gateway: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("notification gateway returned %d: %s", resp.StatusCode(), response.Msg)
	}

	return nil
}
