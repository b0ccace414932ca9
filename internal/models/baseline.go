package models

import (
	"time"
)

// 基线分量：标量指标只有 value 分量，血压按收缩压/舒张压分别跟踪
const (
	ComponentValue     = "value"
	ComponentSystolic  = "systolic"
	ComponentDiastolic = "diastolic"
)

// UserBaseline 用户个人基线（对应 user_baselines 表）
// 每个 (user_id, metric_type, component) 一条，由 Baseline Tracker 增量维护
type UserBaseline struct {
	UserID      string     `json:"user_id" db:"user_id"`
	MetricType  MetricType `json:"metric_type" db:"metric_type"`
	Component   string     `json:"component" db:"component"`
	Average     float64    `json:"average" db:"average"`
	StdDev      float64    `json:"stddev" db:"stddev"`
	SampleCount int        `json:"sample_count" db:"sample_count"`
	LastUpdated time.Time  `json:"last_updated" db:"last_updated"`
}

// Established 样本数达到最小值后基线才生效，此前跳过基线偏离分类
func (b *UserBaseline) Established(minSamples int) bool {
	return b != nil && b.SampleCount >= minSamples
}
