package models

import (
	"errors"
)

// 错误哨兵：上层用 errors.Is 判断，错误信息用 fmt.Errorf("%w: ...") 包装
var (
	// ErrValidation 读数校验失败（未知指标类型、值形态不匹配等）
	ErrValidation = errors.New("validation failed")

	// ErrNotFound 报警不存在或不属于该用户
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidTransition 非法状态变更（如确认已解决的报警、驳回 critical 报警）
	ErrInvalidTransition = errors.New("invalid status transition")
)
