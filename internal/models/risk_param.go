package models

// Bounds 双边阈值（min/max 任一为空表示该侧不限）
type Bounds struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Violated 检查标量值是否越界
func (b Bounds) Violated(v float64) bool {
	if b.Min != nil && v < *b.Min {
		return true
	}
	if b.Max != nil && v > *b.Max {
		return true
	}
	return false
}

// CompoundBounds 血压复合阈值（任一分量越界即触发）
type CompoundBounds struct {
	Systolic  Bounds `json:"systolic" yaml:"systolic"`
	Diastolic Bounds `json:"diastolic" yaml:"diastolic"`
}

// Violated 检查血压值是否越界
func (b CompoundBounds) Violated(v BloodPressureValue) bool {
	return b.Systolic.Violated(v.Systolic) || b.Diastolic.Violated(v.Diastolic)
}

// RiskParameter 指标风险参数（静态临床配置，每个指标一条，只读）
type RiskParameter struct {
	MetricType MetricType `json:"metric_type" yaml:"metric_type"`
	Unit       string     `json:"unit" yaml:"unit"`

	// 标量指标阈值
	Critical Bounds `json:"critical" yaml:"critical"`
	Warning  Bounds `json:"warning" yaml:"warning"`

	// 血压复合阈值（仅 blood_pressure 使用）
	CompoundCritical *CompoundBounds `json:"compound_critical,omitempty" yaml:"compound_critical,omitempty"`
	CompoundWarning  *CompoundBounds `json:"compound_warning,omitempty" yaml:"compound_warning,omitempty"`

	// 基线偏离（info 级）
	BaselineDeviationPct float64 `json:"baseline_deviation_pct" yaml:"baseline_deviation_pct"`
	BaselineWindowDays   int     `json:"baseline_window_days" yaml:"baseline_window_days"`
	MinSamples           int     `json:"min_samples" yaml:"min_samples"`

	// 监测频率（分钟），仅作为设备端提示，引擎不强制
	MonitoringFrequencyMinutes int `json:"monitoring_frequency_minutes" yaml:"monitoring_frequency_minutes"`

	// 紧急条件标签（如 cardiac, respiratory）
	EmergencyTags []string `json:"emergency_tags,omitempty" yaml:"emergency_tags,omitempty"`
}
