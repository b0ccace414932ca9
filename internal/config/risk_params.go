package config

import (
	"fmt"
	"os"

	"healthfolio-alert/internal/models"

	"gopkg.in/yaml.v3"
)

// RiskParams 风险参数注册表（每个指标一条，加载后只读）
type RiskParams struct {
	params map[models.MetricType]models.RiskParameter
}

// Get 获取指标的风险参数
func (r *RiskParams) Get(metric models.MetricType) (models.RiskParameter, bool) {
	p, ok := r.params[metric]
	return p, ok
}

// Metrics 返回所有已配置的指标类型
func (r *RiskParams) Metrics() []models.MetricType {
	metrics := make([]models.MetricType, 0, len(r.params))
	for m := range r.params {
		metrics = append(metrics, m)
	}
	return metrics
}

// LoadRiskParams 加载风险参数
// path 为空时使用内置临床默认值；文件中的条目按指标覆盖默认值
func LoadRiskParams(path string) (*RiskParams, error) {
	registry := &RiskParams{params: defaultRiskParams()}

	if path == "" {
		return registry, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk params file: %w", err)
	}

	var fileParams []models.RiskParameter
	if err := yaml.Unmarshal(data, &fileParams); err != nil {
		return nil, fmt.Errorf("failed to parse risk params file: %w", err)
	}

	for _, p := range fileParams {
		if !p.MetricType.IsValid() {
			return nil, fmt.Errorf("unknown metric type in risk params file: %s", p.MetricType)
		}
		registry.params[p.MetricType] = p
	}

	return registry, nil
}

func f(v float64) *float64 {
	return &v
}

// defaultRiskParams 内置临床默认阈值
func defaultRiskParams() map[models.MetricType]models.RiskParameter {
	return map[models.MetricType]models.RiskParameter{
		models.MetricHeartRate: {
			MetricType:                 models.MetricHeartRate,
			Unit:                       "bpm",
			Critical:                   models.Bounds{Min: f(40), Max: f(180)},
			Warning:                    models.Bounds{Min: f(50), Max: f(150)},
			BaselineDeviationPct:       0.20,
			BaselineWindowDays:         7,
			MinSamples:                 7,
			MonitoringFrequencyMinutes: 5,
			EmergencyTags:              []string{"cardiac"},
		},
		models.MetricBloodPressure: {
			MetricType: models.MetricBloodPressure,
			Unit:       "mmHg",
			CompoundCritical: &models.CompoundBounds{
				Systolic:  models.Bounds{Min: f(80), Max: f(200)},
				Diastolic: models.Bounds{Min: f(50), Max: f(130)},
			},
			CompoundWarning: &models.CompoundBounds{
				Systolic:  models.Bounds{Min: f(90), Max: f(160)},
				Diastolic: models.Bounds{Min: f(60), Max: f(110)},
			},
			BaselineDeviationPct:       0.15,
			BaselineWindowDays:         14,
			MinSamples:                 7,
			MonitoringFrequencyMinutes: 60,
			EmergencyTags:              []string{"cardiac"},
		},
		models.MetricBloodGlucose: {
			MetricType:                 models.MetricBloodGlucose,
			Unit:                       "mg/dL",
			Critical:                   models.Bounds{Min: f(54), Max: f(300)},
			Warning:                    models.Bounds{Min: f(70), Max: f(250)},
			BaselineDeviationPct:       0.30,
			BaselineWindowDays:         7,
			MinSamples:                 7,
			MonitoringFrequencyMinutes: 120,
			EmergencyTags:              []string{"metabolic"},
		},
		models.MetricBodyTemperature: {
			MetricType:                 models.MetricBodyTemperature,
			Unit:                       "celsius",
			Critical:                   models.Bounds{Min: f(35.0), Max: f(39.5)},
			Warning:                    models.Bounds{Min: f(35.8), Max: f(38.0)},
			BaselineDeviationPct:       0.05,
			BaselineWindowDays:         7,
			MinSamples:                 7,
			MonitoringFrequencyMinutes: 240,
		},
		models.MetricOxygenSaturation: {
			MetricType:                 models.MetricOxygenSaturation,
			Unit:                       "%",
			Critical:                   models.Bounds{Min: f(88)},
			Warning:                    models.Bounds{Min: f(92)},
			BaselineDeviationPct:       0.05,
			BaselineWindowDays:         7,
			MinSamples:                 7,
			MonitoringFrequencyMinutes: 15,
			EmergencyTags:              []string{"respiratory"},
		},
		models.MetricRespiratoryRate: {
			MetricType:                 models.MetricRespiratoryRate,
			Unit:                       "breaths/min",
			Critical:                   models.Bounds{Min: f(8), Max: f(30)},
			Warning:                    models.Bounds{Min: f(10), Max: f(24)},
			BaselineDeviationPct:       0.25,
			BaselineWindowDays:         7,
			MinSamples:                 7,
			MonitoringFrequencyMinutes: 15,
			EmergencyTags:              []string{"respiratory"},
		},
	}
}
