package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler 升级定时器调度器
// 每条带升级截止时间的报警持有一个进程内定时器，
// 确认/解除时取消，到期时回调 Alert Manager 做原位升级。
// 截止时间同时落库，重启后由 Recover 重建定时器。
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	handler func(alertID string)
	logger  *zap.Logger
}

// NewScheduler 创建调度器（handler 由 AlertManager 绑定）
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

// bind 绑定到期回调
func (s *Scheduler) bind(handler func(alertID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Arm 武装升级定时器（重复武装会替换旧定时器）
// 截止时间已过时立即触发
func (s *Scheduler) Arm(alertID string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler == nil {
		s.logger.Warn("Escalation scheduler has no handler bound",
			zap.String("alert_id", alertID))
		return
	}

	if old, ok := s.timers[alertID]; ok {
		old.Stop()
	}

	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}

	s.timers[alertID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, alertID)
		handler := s.handler
		s.mu.Unlock()
		handler(alertID)
	})

	s.logger.Debug("Escalation timer armed",
		zap.String("alert_id", alertID),
		zap.Time("deadline", deadline))
}

// Cancel 取消升级定时器（确认/解除/忽略时调用）
func (s *Scheduler) Cancel(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[alertID]; ok {
		timer.Stop()
		delete(s.timers, alertID)
	}
}

// Stop 取消全部定时器（进程退出时调用）
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for alertID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, alertID)
	}
}

// Pending 当前武装中的定时器数量（测试和监控用）
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
