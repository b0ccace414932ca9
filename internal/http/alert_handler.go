package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"healthfolio-alert/internal/models"
)

// AlertService 报警服务接口（由 service.AlertService 实现）
type AlertService interface {
	Ingest(ctx context.Context, reading models.MetricReading) (models.IngestResult, error)
	GetAlerts(ctx context.Context, userID string, severity *models.Severity) ([]*models.Alert, error)
	GetOpenAlerts(ctx context.Context, userID string) ([]*models.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, userID string, action models.StatusAction, operation *string) (*models.Alert, error)
}

// AlertHandler 报警 HTTP 处理器
type AlertHandler struct {
	service AlertService
	logger  *zap.Logger
}

// NewAlertHandler 创建报警处理器
func NewAlertHandler(service AlertService, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		service: service,
		logger:  logger,
	}
}

// UpdateStatusRequest 状态变更请求体
// user_id 为操作者；报警不属于该用户时按不存在处理
type UpdateStatusRequest struct {
	UserID    string              `json:"user_id"`
	Action    models.StatusAction `json:"action"`
	Operation *string             `json:"operation,omitempty"`
}

// IngestReading POST /alert/api/v1/readings
// 设备网关的 HTTP 直传入口（与流式摄取走同一管线）
func (h *AlertHandler) IngestReading(w http.ResponseWriter, r *http.Request) {
	var reading models.MetricReading
	if err := readBodyJSON(r, 1<<20, &reading); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	result, err := h.service.Ingest(r.Context(), reading)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(result))
}

// GetUserAlerts GET /alert/api/v1/users/{id}/alerts?severity=&status=open
// 级别降序、同级别按创建时间降序；status=open 时只返回未关闭报警（走缓存）
func (h *AlertHandler) GetUserAlerts(w http.ResponseWriter, r *http.Request, userID string) {
	if r.URL.Query().Get("status") == "open" {
		alerts, err := h.service.GetOpenAlerts(r.Context(), userID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, Ok(alerts))
		return
	}

	var severity *models.Severity
	if s := r.URL.Query().Get("severity"); s != "" {
		sev := models.Severity(s)
		severity = &sev
	}

	alerts, err := h.service.GetAlerts(r.Context(), userID, severity)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(alerts))
}

// UpdateAlertStatus PATCH /alert/api/v1/alerts/{id}/status
// 动作：acknowledge / resolve / dismiss
func (h *AlertHandler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request, alertID string) {
	var req UpdateStatusRequest
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	alert, err := h.service.UpdateAlertStatus(r.Context(), alertID, req.UserID, req.Action, req.Operation)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(alert))
}

// writeError 把哨兵错误映射到 HTTP 状态码
func (h *AlertHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	case errors.Is(err, models.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, Fail(err.Error()))
	default:
		h.logger.Error("Request failed",
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}
