package repository

import (
	"context"
	"database/sql"
	"fmt"

	"healthfolio-alert/internal/models"

	"go.uber.org/zap"
)

// BaselineRepository 基线仓库（user_baselines 表）
// 实现 baseline.Store 接口
type BaselineRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBaselineRepository 创建基线仓库
func NewBaselineRepository(db *sql.DB, logger *zap.Logger) *BaselineRepository {
	return &BaselineRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertBaseline 写入或更新基线（按主键 user_id + metric_type + component）
func (r *BaselineRepository) UpsertBaseline(ctx context.Context, baseline *models.UserBaseline) error {
	if baseline == nil {
		return fmt.Errorf("baseline is required")
	}
	if baseline.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if baseline.Component == "" {
		return fmt.Errorf("component is required")
	}

	query := `
		INSERT INTO user_baselines (
			user_id,
			metric_type,
			component,
			average,
			stddev,
			sample_count,
			last_updated
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (user_id, metric_type, component)
		DO UPDATE SET
			average = EXCLUDED.average,
			stddev = EXCLUDED.stddev,
			sample_count = EXCLUDED.sample_count,
			last_updated = EXCLUDED.last_updated
	`

	_, err := r.db.ExecContext(ctx,
		query,
		baseline.UserID,
		baseline.MetricType,
		baseline.Component,
		baseline.Average,
		baseline.StdDev,
		baseline.SampleCount,
		baseline.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline: %w", err)
	}

	return nil
}

// GetBaselines 查询用户某指标的全部分量基线
// 未建立时返回空 map
func (r *BaselineRepository) GetBaselines(ctx context.Context, userID string, metricType models.MetricType) (map[string]*models.UserBaseline, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, metric_type, component, average, stddev, sample_count, last_updated
		FROM user_baselines
		WHERE user_id = $1
		  AND metric_type = $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, metricType)
	if err != nil {
		return nil, fmt.Errorf("failed to query baselines: %w", err)
	}
	defer rows.Close()

	baselines := make(map[string]*models.UserBaseline)
	for rows.Next() {
		var b models.UserBaseline
		err := rows.Scan(
			&b.UserID,
			&b.MetricType,
			&b.Component,
			&b.Average,
			&b.StdDev,
			&b.SampleCount,
			&b.LastUpdated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		baselines[b.Component] = &b
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate baselines: %w", err)
	}

	return baselines, nil
}
