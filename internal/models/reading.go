package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricType 指标类型（与可穿戴设备上报的指标一致）
type MetricType string

const (
	MetricHeartRate        MetricType = "heart_rate"
	MetricBloodPressure    MetricType = "blood_pressure"
	MetricBloodGlucose     MetricType = "blood_glucose"
	MetricBodyTemperature  MetricType = "body_temperature"
	MetricOxygenSaturation MetricType = "oxygen_saturation"
	MetricRespiratoryRate  MetricType = "respiratory_rate"
)

// IsValid 检查指标类型是否受支持
func (m MetricType) IsValid() bool {
	switch m {
	case MetricHeartRate, MetricBloodPressure, MetricBloodGlucose,
		MetricBodyTemperature, MetricOxygenSaturation, MetricRespiratoryRate:
		return true
	}
	return false
}

// BloodPressureValue 血压复合值（收缩压/舒张压）
type BloodPressureValue struct {
	Systolic  float64 `json:"systolic"`
	Diastolic float64 `json:"diastolic"`
}

// MetricValue 指标值（标量 或 血压复合值，二选一）
type MetricValue struct {
	Scalar        *float64            `json:"scalar,omitempty"`
	BloodPressure *BloodPressureValue `json:"blood_pressure,omitempty"`
}

// ScalarValue 创建标量指标值
func ScalarValue(v float64) MetricValue {
	return MetricValue{Scalar: &v}
}

// BPValue 创建血压指标值
func BPValue(systolic, diastolic float64) MetricValue {
	return MetricValue{BloodPressure: &BloodPressureValue{Systolic: systolic, Diastolic: diastolic}}
}

// IsZero 检查是否为空值
func (v MetricValue) IsZero() bool {
	return v.Scalar == nil && v.BloodPressure == nil
}

// String 格式化指标值（用于 reason 文本和日志）
func (v MetricValue) String() string {
	switch {
	case v.BloodPressure != nil:
		return fmt.Sprintf("%g/%g", v.BloodPressure.Systolic, v.BloodPressure.Diastolic)
	case v.Scalar != nil:
		return fmt.Sprintf("%g", *v.Scalar)
	}
	return "<nil>"
}

// MarshalJSON 序列化指标值
// 标量值序列化为数字，血压值序列化为 {"systolic": ..., "diastolic": ...}
func (v MetricValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.BloodPressure != nil:
		return json.Marshal(v.BloodPressure)
	case v.Scalar != nil:
		return json.Marshal(*v.Scalar)
	}
	return []byte("null"), nil
}

// UnmarshalJSON 反序列化指标值（兼容数字和血压对象两种形态）
func (v *MetricValue) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		v.Scalar = &scalar
		v.BloodPressure = nil
		return nil
	}

	var bp BloodPressureValue
	if err := json.Unmarshal(data, &bp); err == nil && (bp.Systolic != 0 || bp.Diastolic != 0) {
		v.BloodPressure = &bp
		v.Scalar = nil
		return nil
	}

	return fmt.Errorf("%w: metric value must be a number or {systolic, diastolic}", ErrValidation)
}

// MetricReading 单条指标读数（由摄取端创建，不可变）
type MetricReading struct {
	UserID       string      `json:"user_id"`
	MetricType   MetricType  `json:"metric_type"`
	Value        MetricValue `json:"value"`
	Timestamp    time.Time   `json:"timestamp"`
	DeviceSource string      `json:"device_source"` // 如 "Apple Health", "Fitbit", "Oura Ring"
}

// Validate 校验读数
// 业务规则：
// - user_id 必填
// - metric_type 必须受支持
// - 值的形态必须与指标匹配（血压用复合值，其余用标量）
// - 值必须为正数（按构造即超出合理范围的值直接拒绝）
func (r *MetricReading) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !r.MetricType.IsValid() {
		return fmt.Errorf("%w: unknown metric type: %s", ErrValidation, r.MetricType)
	}
	if r.Value.IsZero() {
		return fmt.Errorf("%w: metric value is required", ErrValidation)
	}

	if r.MetricType == MetricBloodPressure {
		if r.Value.BloodPressure == nil {
			return fmt.Errorf("%w: blood_pressure requires a compound {systolic, diastolic} value", ErrValidation)
		}
		if r.Value.BloodPressure.Systolic <= 0 || r.Value.BloodPressure.Diastolic <= 0 {
			return fmt.Errorf("%w: blood pressure components must be positive", ErrValidation)
		}
		return nil
	}

	if r.Value.Scalar == nil {
		return fmt.Errorf("%w: %s requires a scalar value", ErrValidation, r.MetricType)
	}
	if *r.Value.Scalar <= 0 {
		return fmt.Errorf("%w: %s value must be positive", ErrValidation, r.MetricType)
	}
	return nil
}
