package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"healthfolio-alert/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrStateNotFound 状态不存在
var ErrStateNotFound = fmt.Errorf("state not found")

// StateManager 基线窗口状态管理器（Redis JSON 状态，带 TTL）
type StateManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StateManager {
	return &StateManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetStateKey 构建状态键
// 形如 "baseline:state:{user_id}:{metric_type}:{component}"
func (s *StateManager) GetStateKey(userID, metricType, component string) string {
	return fmt.Sprintf("%s%s:%s:%s",
		s.config.Alert.Cache.StateKeyPrefix,
		userID,
		metricType,
		component,
	)
}

// SetState 设置状态（带 TTL）
func (s *StateManager) SetState(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}

	return nil
}

// GetState 获取状态
func (s *StateManager) GetState(ctx context.Context, key string, dest interface{}) error {
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrStateNotFound, key)
		}
		return fmt.Errorf("failed to get state: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return nil
}

// DeleteState 删除状态
func (s *StateManager) DeleteState(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// ExistsState 检查状态是否存在
func (s *StateManager) ExistsState(ctx context.Context, key string) (bool, error) {
	count, err := s.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check state existence: %w", err)
	}
	return count > 0, nil
}

// BaselineWindowState 基线滑动窗口状态数据
// 样本按时间升序保存，超出窗口的样本在更新时剔除
type BaselineWindowState struct {
	Samples []WindowSample `json:"samples"`
	Mean    float64        `json:"mean"`
	M2      float64        `json:"m2"` // Welford 累计平方差
}

// WindowSample 窗口内的单个样本
type WindowSample struct {
	Value     float64 `json:"v"`
	Timestamp int64   `json:"ts"` // Unix 秒
}
