package models

import (
	"time"
)

// Severity 报警级别（info < warning < critical）
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank 级别权重（用于比较和排序）
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// IsValid 检查级别是否合法
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// AlertStatus 报警状态
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusDismissed    AlertStatus = "dismissed"
)

// IsTerminal resolved 和 dismissed 是终态，不允许再变更
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved || s == AlertStatusDismissed
}

// AlertCause 分类原因（去重键的组成部分）
type AlertCause string

const (
	CauseCriticalThreshold AlertCause = "critical_threshold"
	CauseWarningThreshold  AlertCause = "warning_threshold"
	CauseBaselineDeviation AlertCause = "baseline_deviation"
)

// Alert 报警记录（对应 alerts 表）
// 去重不变量：每个 (user_id, metric_type) 同时最多存在一条 active/acknowledged 报警
type Alert struct {
	ID                 string      `json:"alert_id" db:"alert_id"`
	UserID             string      `json:"user_id" db:"user_id"`
	MetricType         MetricType  `json:"metric_type" db:"metric_type"`
	CurrentValue       MetricValue `json:"current_value" db:"current_value"` // JSONB
	Severity           Severity    `json:"severity" db:"severity"`
	Cause              AlertCause  `json:"cause" db:"cause"`
	Reason             string      `json:"reason" db:"reason"`
	Status             AlertStatus `json:"status" db:"status"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
	AcknowledgedAt     *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedAt         *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	EscalationDeadline *time.Time  `json:"escalation_deadline,omitempty" db:"escalation_deadline"`
	Operation          *string     `json:"operation,omitempty" db:"operation"` // 如 "auto_relieved"
}

// StatusAction 状态变更动作（外部接口）
type StatusAction string

const (
	ActionAcknowledge StatusAction = "acknowledge"
	ActionResolve     StatusAction = "resolve"
	ActionDismiss     StatusAction = "dismiss"
)

// IsValid 检查动作是否合法
func (a StatusAction) IsValid() bool {
	switch a {
	case ActionAcknowledge, ActionResolve, ActionDismiss:
		return true
	}
	return false
}

// IngestResult 单条读数的摄取结果
type IngestResult struct {
	AlertsCreated   int `json:"alerts_created"`
	AlertsEscalated int `json:"alerts_escalated"`
}

// NotificationChannel 通知通道
type NotificationChannel string

const (
	ChannelInApp NotificationChannel = "in_app"
	ChannelPush  NotificationChannel = "push"
	ChannelSMS   NotificationChannel = "sms"
	ChannelEmail NotificationChannel = "email"
)

// NotificationAttempt 通知尝试记录（调度器内部使用，不落库）
type NotificationAttempt struct {
	AlertID      string              `json:"alert_id"`
	Channel      NotificationChannel `json:"channel"`
	AttemptCount int                 `json:"attempt_count"`
	LastError    string              `json:"last_error,omitempty"`
}

// EmergencyContact 紧急联系人（外部协作方提供）
type EmergencyContact struct {
	UserID string  `json:"user_id" db:"user_id"`
	Name   string  `json:"name" db:"name"`
	SMS    *string `json:"sms,omitempty" db:"sms"`
	Email  *string `json:"email,omitempty" db:"email"`
}

// UserPreferences 用户通知偏好（外部协作方提供）
type UserPreferences struct {
	UserID        string                       `json:"user_id" db:"user_id"`
	ChannelOptIns map[NotificationChannel]bool `json:"channel_opt_ins"`
}

// OptedIn 检查用户是否允许某个通道
// 未配置偏好时默认允许
func (p *UserPreferences) OptedIn(channel NotificationChannel) bool {
	if p == nil || p.ChannelOptIns == nil {
		return true
	}
	optIn, ok := p.ChannelOptIns[channel]
	if !ok {
		return true
	}
	return optIn
}
