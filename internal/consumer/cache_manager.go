package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager Redis 缓存管理器（每用户活跃报警缓存，供看板层读取）
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// alertCacheKey 构建报警缓存键
func (c *CacheManager) alertCacheKey(userID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Alert.Cache.AlertKeyPrefix,
		userID,
		c.config.Alert.Cache.AlertSuffix,
	)
}

// UpdateAlertCache 更新用户活跃报警缓存
// 每次报警变更后调用，缓存短 TTL，看板层读取时无需访问数据库
func (c *CacheManager) UpdateAlertCache(ctx context.Context, userID string, alerts []*models.Alert) error {
	key := c.alertCacheKey(userID)

	jsonData, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alert cache: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Alert.Cache.AlertTTL)*time.Second,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set alert cache: %w", err)
	}

	c.logger.Debug("Updated alert cache",
		zap.String("user_id", userID),
		zap.String("key", key),
		zap.Int("alert_count", len(alerts)),
	)

	return nil
}

// GetAlertCache 读取用户活跃报警缓存
// 缓存缺失返回 nil（调用方应回源数据库）
func (c *CacheManager) GetAlertCache(ctx context.Context, userID string) ([]*models.Alert, error) {
	key := c.alertCacheKey(userID)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alert cache: %w", err)
	}

	var alerts []*models.Alert
	if err := json.Unmarshal([]byte(val), &alerts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert cache: %w", err)
	}

	return alerts, nil
}

// InvalidateAlertCache 删除用户报警缓存
func (c *CacheManager) InvalidateAlertCache(ctx context.Context, userID string) error {
	if err := c.redisClient.Del(ctx, c.alertCacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate alert cache: %w", err)
	}
	return nil
}
