package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/observability/metrics"
	"YieldHarvester-Agent/pkg/logger"
)

// State 是调度器的运行状态。
type State string

const (
	StateIdle         State = "IDLE"
	StateCycleRunning State = "CYCLE_RUNNING"
	StateSleeping     State = "SLEEPING"
)

// DefaultInterval 是两次周期之间的默认间隔。
const DefaultInterval = 60 * time.Second

// Cycler 执行单个周期，*Agent 满足该接口。
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Status 是调度器对外暴露的快照。
type Status struct {
	State        State         `json:"state"`
	Cycles       uint64        `json:"cycles"`
	LastCycleID  string        `json:"last_cycle_id,omitempty"`
	LastCycleAt  time.Time     `json:"last_cycle_at,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextCycleAt  time.Time     `json:"next_cycle_at,omitempty"`
}

// Scheduler 按固定间隔或 cron 表达式重复执行周期，直到上下文取消。
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	schedule cron.Schedule

	mu     sync.RWMutex
	status Status

	log   *slog.Logger
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// SchedulerOption 定义可选配置。
type SchedulerOption func(*Scheduler) error

// WithInterval 设置固定间隔。
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) error {
		if interval > 0 {
			s.interval = interval
		}
		return nil
	}
}

// WithCron 使用标准五段 cron 表达式代替固定间隔，空字符串表示不启用。
func WithCron(expr string) SchedulerOption {
	return func(s *Scheduler) error {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return nil
		}
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("无法解析调度表达式 %q", expr))
		}
		s.schedule = schedule
		return nil
	}
}

// NewScheduler 创建调度器。
func NewScheduler(cycler Cycler, opts ...SchedulerOption) (*Scheduler, error) {
	if cycler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置周期执行器")
	}
	s := &Scheduler{
		cycler:   cycler,
		interval: DefaultInterval,
		status:   Status{State: StateIdle},
		log:      logger.Named("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		after:    time.After,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// State 返回当前状态。
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

// Status 返回状态快照。
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run 立即执行第一个周期，之后按计划重复。上下文取消时返回 ctx.Err()。
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateIdle)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(StateCycleRunning)
		s.runOnce(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := s.nextDelay()
		s.mu.Lock()
		s.status.State = StateSleeping
		s.status.NextCycleAt = s.now().Add(wait)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(wait):
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	started := s.now()
	result := "ok"
	var (
		report CycleReport
		runErr error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				result = "panic"
				runErr = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("周期执行发生 panic: %v", r))
				s.log.Error("cycle panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		report, runErr = s.cycler.RunCycle(ctx)
	}()

	if runErr != nil && result == "ok" {
		result = "failed"
	}
	duration := s.now().Sub(started)
	metrics.ObserveCycle(result, duration)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Cycles++
	s.status.LastCycleAt = started
	s.status.LastDuration = duration
	if report.ID != "" {
		s.status.LastCycleID = report.ID
	}
	s.status.LastError = ""
	if runErr != nil {
		s.status.LastError = runErr.Error()
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	now := s.now()
	wait := s.schedule.Next(now).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}
