package consumer

import (
	"context"
	"testing"
	"time"

	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *CacheManager) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{}
	cfg.Alert.Cache.AlertKeyPrefix = "healthfolio:user:"
	cfg.Alert.Cache.AlertSuffix = ":alerts"
	cfg.Alert.Cache.AlertTTL = 30

	logger := zap.NewNop()
	cacheManager := NewCacheManager(cfg, redisClient, logger)

	return mr, redisClient, cacheManager
}

func TestCacheManager_UpdateAndGetAlertCache(t *testing.T) {
	_, _, cacheManager := setupTestRedis(t)
	ctx := context.Background()

	alerts := []*models.Alert{
		{
			ID:           "alert-1",
			UserID:       "user-1",
			MetricType:   models.MetricHeartRate,
			CurrentValue: models.ScalarValue(190),
			Severity:     models.SeverityCritical,
			Cause:        models.CauseCriticalThreshold,
			Status:       models.AlertStatusActive,
			CreatedAt:    time.Now().Truncate(time.Second),
		},
	}

	require.NoError(t, cacheManager.UpdateAlertCache(ctx, "user-1", alerts))

	cached, err := cacheManager.GetAlertCache(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "alert-1", cached[0].ID)
	assert.Equal(t, models.SeverityCritical, cached[0].Severity)
	require.NotNil(t, cached[0].CurrentValue.Scalar)
	assert.Equal(t, 190.0, *cached[0].CurrentValue.Scalar)
}

func TestCacheManager_GetAlertCache_Miss(t *testing.T) {
	_, _, cacheManager := setupTestRedis(t)

	cached, err := cacheManager.GetAlertCache(context.Background(), "user-unknown")

	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestCacheManager_CacheExpires(t *testing.T) {
	mr, _, cacheManager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cacheManager.UpdateAlertCache(ctx, "user-1", []*models.Alert{{ID: "alert-1"}}))

	mr.FastForward(31 * time.Second)

	cached, err := cacheManager.GetAlertCache(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestCacheManager_InvalidateAlertCache(t *testing.T) {
	_, _, cacheManager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cacheManager.UpdateAlertCache(ctx, "user-1", []*models.Alert{{ID: "alert-1"}}))
	require.NoError(t, cacheManager.InvalidateAlertCache(ctx, "user-1"))

	cached, err := cacheManager.GetAlertCache(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestCacheManager_EmptyListRoundTrips(t *testing.T) {
	_, _, cacheManager := setupTestRedis(t)
	ctx := context.Background()

	// 空列表也要缓存，和缓存缺失（nil）区分开
	require.NoError(t, cacheManager.UpdateAlertCache(ctx, "user-1", []*models.Alert{}))

	cached, err := cacheManager.GetAlertCache(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Empty(t, cached)
}
