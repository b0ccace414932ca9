package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"healthfolio-alert/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AlertRepository 报警仓库（alerts 表）
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
	alert_id,
	user_id,
	metric_type,
	current_value,
	severity,
	cause,
	reason,
	status,
	created_at,
	updated_at,
	acknowledged_at,
	resolved_at,
	escalation_deadline,
	operation`

// scanAlert 扫描单行报警记录
func scanAlert(row interface {
	Scan(dest ...interface{}) error
}) (*models.Alert, error) {
	var alert models.Alert
	var currentValue []byte
	var acknowledgedAt, resolvedAt, escalationDeadline sql.NullTime
	var operation sql.NullString

	err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&alert.MetricType,
		&currentValue,
		&alert.Severity,
		&alert.Cause,
		&alert.Reason,
		&alert.Status,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&acknowledgedAt,
		&resolvedAt,
		&escalationDeadline,
		&operation,
	)
	if err != nil {
		return nil, err
	}

	if len(currentValue) > 0 {
		if err := json.Unmarshal(currentValue, &alert.CurrentValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current_value: %w", err)
		}
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if escalationDeadline.Valid {
		alert.EscalationDeadline = &escalationDeadline.Time
	}
	if operation.Valid {
		alert.Operation = &operation.String
	}

	return &alert, nil
}

// CreateAlert 创建报警记录
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.ID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if alert.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	currentValue, err := json.Marshal(alert.CurrentValue)
	if err != nil {
		return fmt.Errorf("failed to marshal current_value: %w", err)
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			user_id,
			metric_type,
			current_value,
			severity,
			cause,
			reason,
			status,
			created_at,
			updated_at,
			acknowledged_at,
			resolved_at,
			escalation_deadline,
			operation
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		alert.ID,
		alert.UserID,
		alert.MetricType,
		currentValue,
		alert.Severity,
		alert.Cause,
		alert.Reason,
		alert.Status,
		alert.CreatedAt,
		alert.UpdatedAt,
		alert.AcknowledgedAt,
		alert.ResolvedAt,
		alert.EscalationDeadline,
		alert.Operation,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert 根据 alert_id 获取报警
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE alert_id = $1
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// GetOpenAlert 获取用户某指标的未关闭报警（active/acknowledged）
// 去重不变量保证至多一条；没有时返回 nil
func (r *AlertRepository) GetOpenAlert(ctx context.Context, userID string, metricType models.MetricType) (*models.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE user_id = $1
		  AND metric_type = $2
		  AND status IN ('active', 'acknowledged')
		ORDER BY created_at DESC
		LIMIT 1
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, userID, metricType))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open alert: %w", err)
	}

	return alert, nil
}

// UpdateClassification 更新报警的分类信息（原位升级或刷新当前值）
func (r *AlertRepository) UpdateClassification(ctx context.Context, alert *models.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("alert_id is required")
	}

	currentValue, err := json.Marshal(alert.CurrentValue)
	if err != nil {
		return fmt.Errorf("failed to marshal current_value: %w", err)
	}

	query := `
		UPDATE alerts
		SET severity = $1,
		    cause = $2,
		    reason = $3,
		    current_value = $4,
		    escalation_deadline = $5,
		    updated_at = $6
		WHERE alert_id = $7
	`

	result, err := r.db.ExecContext(ctx,
		query,
		alert.Severity,
		alert.Cause,
		alert.Reason,
		currentValue,
		alert.EscalationDeadline,
		alert.UpdatedAt,
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert classification: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alert.ID)
	}

	return nil
}

// UpdateStatusCAS 状态变更（compare-and-swap）
// 只有当前状态在 from 集合内才执行变更，返回是否变更成功。
// 升级定时器和用户确认并发时，由这里保证只有一方胜出。
func (r *AlertRepository) UpdateStatusCAS(
	ctx context.Context,
	alertID string,
	from []models.AlertStatus,
	to models.AlertStatus,
	operation *string,
) (bool, error) {
	if alertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("from statuses are required")
	}

	now := time.Now()
	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	// 终态变更清空升级截止时间；按目标状态写入对应时间戳
	query := `
		UPDATE alerts
		SET status = $1,
		    updated_at = $2,
		    operation = COALESCE($3, operation),
		    acknowledged_at = CASE WHEN $1 = 'acknowledged' THEN $2 ELSE acknowledged_at END,
		    resolved_at = CASE WHEN $1 = 'resolved' THEN $2 ELSE resolved_at END,
		    escalation_deadline = NULL
		WHERE alert_id = $4
		  AND status = ANY($5)
	`

	result, err := r.db.ExecContext(ctx, query, to, now, operation, alertID, pq.Array(fromStatuses))
	if err != nil {
		return false, fmt.Errorf("failed to update alert status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// EscalateSeverityIfActive 升级定时器触发时的原位升级
// 只有报警仍为 active 时才升级级别并写入下一个截止时间，
// 返回是否升级成功（用户确认和定时器并发时由状态条件裁决）。
func (r *AlertRepository) EscalateSeverityIfActive(
	ctx context.Context,
	alertID string,
	severity models.Severity,
	deadline *time.Time,
) (bool, error) {
	if alertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET severity = $1,
		    escalation_deadline = $2,
		    updated_at = $3
		WHERE alert_id = $4
		  AND status = 'active'
	`

	result, err := r.db.ExecContext(ctx, query, severity, deadline, time.Now(), alertID)
	if err != nil {
		return false, fmt.Errorf("failed to escalate alert severity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// SetEscalationDeadline 更新升级截止时间（重新武装定时器时使用）
func (r *AlertRepository) SetEscalationDeadline(ctx context.Context, alertID string, deadline *time.Time) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET escalation_deadline = $1,
		    updated_at = $2
		WHERE alert_id = $3
	`

	_, err := r.db.ExecContext(ctx, query, deadline, time.Now(), alertID)
	if err != nil {
		return fmt.Errorf("failed to set escalation deadline: %w", err)
	}

	return nil
}

// ListAlerts 查询用户报警列表
// 排序：级别降序，同级别按创建时间降序
func (r *AlertRepository) ListAlerts(ctx context.Context, userID string, severity *models.Severity) ([]*models.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE user_id = $1
	`, alertColumns)

	args := []interface{}{userID}
	if severity != nil {
		query += " AND severity = $2"
		args = append(args, *severity)
	}
	query += `
		ORDER BY CASE severity
			WHEN 'critical' THEN 3
			WHEN 'warning' THEN 2
			WHEN 'info' THEN 1
			ELSE 0
		END DESC, created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// ListOpenAlerts 查询用户未关闭报警（用于刷新缓存）
func (r *AlertRepository) ListOpenAlerts(ctx context.Context, userID string) ([]*models.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE user_id = $1
		  AND status IN ('active', 'acknowledged')
		ORDER BY CASE severity
			WHEN 'critical' THEN 3
			WHEN 'warning' THEN 2
			WHEN 'info' THEN 1
			ELSE 0
		END DESC, created_at DESC
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open alerts: %w", err)
	}

	return alerts, nil
}

// ListPendingEscalations 查询带升级截止时间的活跃报警（启动恢复用）
func (r *AlertRepository) ListPendingEscalations(ctx context.Context) ([]*models.Alert, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE status = 'active'
		  AND escalation_deadline IS NOT NULL
		ORDER BY escalation_deadline ASC
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending escalations: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending escalations: %w", err)
	}

	return alerts, nil
}
