package classifier

import (
	"fmt"
	"math"

	"healthfolio-alert/internal/models"
)

// Classification 分类结果（最高匹配级别）
type Classification struct {
	Severity models.Severity
	Cause    models.AlertCause
	Reason   string
}

// Classify 对单条读数做纯分类，无副作用
// 评估顺序（先匹配先返回，级别从高到低）：
// 1. critical 阈值（血压任一分量越界即 critical）
// 2. warning 阈值
// 3. 基线偏离（info 级，基线未生效时跳过）
// 无匹配返回 nil，表示不产生报警动作
func Classify(params models.RiskParameter, value models.MetricValue, baselines map[string]*models.UserBaseline) *Classification {
	if c := classifyBounds(params, value, models.SeverityCritical); c != nil {
		return c
	}
	if c := classifyBounds(params, value, models.SeverityWarning); c != nil {
		return c
	}
	return classifyDeviation(params, value, baselines)
}

// classifyBounds 阈值检查（critical / warning 共用同一规则形态）
func classifyBounds(params models.RiskParameter, value models.MetricValue, severity models.Severity) *Classification {
	bounds := params.Critical
	compound := params.CompoundCritical
	cause := models.CauseCriticalThreshold
	label := "critical"
	if severity == models.SeverityWarning {
		bounds = params.Warning
		compound = params.CompoundWarning
		cause = models.CauseWarningThreshold
		label = "warning"
	}

	if value.BloodPressure != nil {
		if compound == nil || !compound.Violated(*value.BloodPressure) {
			return nil
		}
		return &Classification{
			Severity: severity,
			Cause:    cause,
			Reason: fmt.Sprintf("%s %s %s outside %s bounds (systolic %s, diastolic %s)",
				params.MetricType, value.String(), params.Unit, label,
				formatBounds(compound.Systolic), formatBounds(compound.Diastolic)),
		}
	}

	if value.Scalar == nil || !bounds.Violated(*value.Scalar) {
		return nil
	}
	return &Classification{
		Severity: severity,
		Cause:    cause,
		Reason: fmt.Sprintf("%s %s %s outside %s bounds %s",
			params.MetricType, value.String(), params.Unit, label, formatBounds(bounds)),
	}
}

// classifyDeviation 基线偏离检查（info 级）
// 血压按收缩压分量评估，其余指标按标量值评估
func classifyDeviation(params models.RiskParameter, value models.MetricValue, baselines map[string]*models.UserBaseline) *Classification {
	if params.BaselineDeviationPct <= 0 {
		return nil
	}

	component := models.ComponentValue
	var v float64
	switch {
	case value.BloodPressure != nil:
		component = models.ComponentSystolic
		v = value.BloodPressure.Systolic
	case value.Scalar != nil:
		v = *value.Scalar
	default:
		return nil
	}

	baseline := baselines[component]
	if !baseline.Established(params.MinSamples) || baseline.Average == 0 {
		return nil
	}

	deviation := math.Abs(v-baseline.Average) / baseline.Average
	if deviation <= params.BaselineDeviationPct {
		return nil
	}

	return &Classification{
		Severity: models.SeverityInfo,
		Cause:    models.CauseBaselineDeviation,
		Reason: fmt.Sprintf("%s %s %s deviates %.0f%% from personal baseline %.1f (threshold %.0f%%)",
			params.MetricType, value.String(), params.Unit,
			deviation*100, baseline.Average, params.BaselineDeviationPct*100),
	}
}

func formatBounds(b models.Bounds) string {
	switch {
	case b.Min != nil && b.Max != nil:
		return fmt.Sprintf("[%g, %g]", *b.Min, *b.Max)
	case b.Min != nil:
		return fmt.Sprintf("[%g, -]", *b.Min)
	case b.Max != nil:
		return fmt.Sprintf("[-, %g]", *b.Max)
	}
	return "[-, -]"
}
