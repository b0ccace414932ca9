package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"healthfolio-alert/internal/models"

	"go.uber.org/zap"
)

// ContactRepository 紧急联系人和通知偏好仓库
// 两张表都由账号服务维护，这里只读
type ContactRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContactRepository 创建联系人仓库
func NewContactRepository(db *sql.DB, logger *zap.Logger) *ContactRepository {
	return &ContactRepository{
		db:     db,
		logger: logger,
	}
}

// GetEmergencyContacts 查询用户的紧急联系人列表
// 没有配置时返回空切片
func (r *ContactRepository) GetEmergencyContacts(ctx context.Context, userID string) ([]*models.EmergencyContact, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, name, sms, email
		FROM emergency_contacts
		WHERE user_id = $1
		ORDER BY name ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query emergency contacts: %w", err)
	}
	defer rows.Close()

	contacts := []*models.EmergencyContact{}
	for rows.Next() {
		var c models.EmergencyContact
		var sms, email sql.NullString
		if err := rows.Scan(&c.UserID, &c.Name, &sms, &email); err != nil {
			return nil, fmt.Errorf("failed to scan emergency contact: %w", err)
		}
		if sms.Valid {
			c.SMS = &sms.String
		}
		if email.Valid {
			c.Email = &email.String
		}
		contacts = append(contacts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emergency contacts: %w", err)
	}

	return contacts, nil
}

// GetUserPreferences 查询用户通知偏好
// 未配置时返回 nil（调用方按默认允许处理）
func (r *ContactRepository) GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, channel_opt_ins
		FROM user_preferences
		WHERE user_id = $1
	`

	var prefs models.UserPreferences
	var optIns []byte
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&prefs.UserID, &optIns)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user preferences: %w", err)
	}

	if len(optIns) > 0 {
		if err := json.Unmarshal(optIns, &prefs.ChannelOptIns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel_opt_ins: %w", err)
		}
	}

	return &prefs, nil
}
