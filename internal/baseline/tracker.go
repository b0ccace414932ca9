package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/consumer"
	"healthfolio-alert/internal/models"

	"go.uber.org/zap"
)

// Store 基线持久化接口（由 repository.BaselineRepository 实现）
type Store interface {
	UpsertBaseline(ctx context.Context, baseline *models.UserBaseline) error
	GetBaselines(ctx context.Context, userID string, metricType models.MetricType) (map[string]*models.UserBaseline, error)
}

// Tracker 基线跟踪器
// 按 (user, metric, component) 维护滑动窗口上的增量均值/方差（Welford），
// 窗口样本存放在 Redis 状态里，算出的基线同步落库供查询和重启恢复。
// 血压的收缩压/舒张压分别跟踪。
type Tracker struct {
	params *config.RiskParams
	state  *consumer.StateManager
	store  Store
	logger *zap.Logger
}

// NewTracker 创建基线跟踪器
func NewTracker(
	params *config.RiskParams,
	state *consumer.StateManager,
	store Store,
	logger *zap.Logger,
) *Tracker {
	return &Tracker{
		params: params,
		state:  state,
		store:  store,
		logger: logger,
	}
}

// components 拆出读数的基线分量
func components(reading models.MetricReading) map[string]float64 {
	if reading.Value.BloodPressure != nil {
		return map[string]float64{
			models.ComponentSystolic:  reading.Value.BloodPressure.Systolic,
			models.ComponentDiastolic: reading.Value.BloodPressure.Diastolic,
		}
	}
	if reading.Value.Scalar != nil {
		return map[string]float64{models.ComponentValue: *reading.Value.Scalar}
	}
	return nil
}

// Update 用一条读数更新基线，返回该指标全部分量的最新基线
// 窗口外的旧样本在更新时剔除，内存和计算量始终是 O(窗口大小)
func (t *Tracker) Update(ctx context.Context, reading models.MetricReading) (map[string]*models.UserBaseline, error) {
	params, ok := t.params.Get(reading.MetricType)
	if !ok {
		return nil, fmt.Errorf("%w: no risk parameters for metric: %s", models.ErrValidation, reading.MetricType)
	}

	window := time.Duration(params.BaselineWindowDays) * 24 * time.Hour
	ts := reading.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	baselines := make(map[string]*models.UserBaseline)
	for component, value := range components(reading) {
		baseline, err := t.updateComponent(ctx, reading.UserID, reading.MetricType, component, value, ts, window)
		if err != nil {
			return nil, err
		}
		baselines[component] = baseline
	}

	return baselines, nil
}

// updateComponent 更新单个分量的窗口状态并重算基线
func (t *Tracker) updateComponent(
	ctx context.Context,
	userID string,
	metricType models.MetricType,
	component string,
	value float64,
	ts time.Time,
	window time.Duration,
) (*models.UserBaseline, error) {
	key := t.state.GetStateKey(userID, string(metricType), component)

	var state consumer.BaselineWindowState
	if err := t.state.GetState(ctx, key, &state); err != nil {
		if !errors.Is(err, consumer.ErrStateNotFound) {
			return nil, fmt.Errorf("failed to load baseline window: %w", err)
		}
		state = consumer.BaselineWindowState{}
	}

	// 剔除窗口外的旧样本（样本按时间升序存放）
	cutoff := ts.Add(-window).Unix()
	for len(state.Samples) > 0 && state.Samples[0].Timestamp < cutoff {
		removeSample(&state, state.Samples[0].Value)
		state.Samples = state.Samples[1:]
	}

	addSample(&state, value)
	state.Samples = append(state.Samples, consumer.WindowSample{Value: value, Timestamp: ts.Unix()})

	if err := t.state.SetState(ctx, key, &state, window); err != nil {
		return nil, fmt.Errorf("failed to save baseline window: %w", err)
	}

	baseline := &models.UserBaseline{
		UserID:      userID,
		MetricType:  metricType,
		Component:   component,
		Average:     state.Mean,
		StdDev:      stddev(&state),
		SampleCount: len(state.Samples),
		LastUpdated: ts,
	}

	// 落库失败不阻断分类管线，只记日志
	if err := t.store.UpsertBaseline(ctx, baseline); err != nil {
		t.logger.Error("Failed to persist baseline",
			zap.String("user_id", userID),
			zap.String("metric_type", string(metricType)),
			zap.String("component", component),
			zap.Error(err),
		)
	}

	return baseline, nil
}

// Get 查询用户某指标的基线（按分量）
// 未建立时返回空 map
func (t *Tracker) Get(ctx context.Context, userID string, metricType models.MetricType) (map[string]*models.UserBaseline, error) {
	baselines, err := t.store.GetBaselines(ctx, userID, metricType)
	if err != nil {
		return nil, fmt.Errorf("failed to get baselines: %w", err)
	}
	return baselines, nil
}

// addSample Welford 增量加入
func addSample(state *consumer.BaselineWindowState, value float64) {
	n := float64(len(state.Samples) + 1)
	delta := value - state.Mean
	state.Mean += delta / n
	state.M2 += delta * (value - state.Mean)
}

// removeSample Welford 增量剔除（加入的逆运算）
func removeSample(state *consumer.BaselineWindowState, value float64) {
	n := len(state.Samples)
	if n <= 1 {
		state.Mean = 0
		state.M2 = 0
		return
	}
	oldMean := state.Mean
	state.Mean = (oldMean*float64(n) - value) / float64(n-1)
	state.M2 -= (value - oldMean) * (value - state.Mean)
	if state.M2 < 0 {
		// 浮点误差截断
		state.M2 = 0
	}
}

func stddev(state *consumer.BaselineWindowState) float64 {
	n := len(state.Samples)
	if n < 2 {
		return 0
	}
	return math.Sqrt(state.M2 / float64(n-1))
}
