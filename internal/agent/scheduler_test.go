package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "YieldHarvester-Agent/internal/errors"
)

type scriptedCycler struct {
	mu     sync.Mutex
	calls  int
	stopAt int
	cancel context.CancelFunc
	step   func(call int) (CycleReport, error)
	states []State
	sched  *Scheduler
}

func (c *scriptedCycler) RunCycle(ctx context.Context) (CycleReport, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	if c.sched != nil {
		c.states = append(c.states, c.sched.State())
	}
	c.mu.Unlock()

	if call >= c.stopAt {
		c.cancel()
	}
	if c.step != nil {
		return c.step(call)
	}
	return CycleReport{ID: "cycle"}, nil
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycler := &scriptedCycler{stopAt: 3, cancel: cancel}

	sched, err := NewScheduler(cycler, WithInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.after = immediate
	cycler.sched = sched

	if err := sched.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cycler.calls != 3 {
		t.Fatalf("expected 3 cycles, got %d", cycler.calls)
	}
	for _, state := range cycler.states {
		if state != StateCycleRunning {
			t.Fatalf("state during a cycle should be CYCLE_RUNNING, got %s", state)
		}
	}
	if sched.State() != StateIdle {
		t.Fatalf("scheduler should be IDLE after Run returns, got %s", sched.State())
	}
	if status := sched.Status(); status.Cycles != 3 || status.LastCycleID != "cycle" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSchedulerRecoversFromPanicAndFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycler := &scriptedCycler{
		stopAt: 3,
		cancel: cancel,
		step: func(call int) (CycleReport, error) {
			switch call {
			case 1:
				panic("boom")
			case 2:
				return CycleReport{ID: "second"}, xerrors.New(xerrors.CodeStorageFailure, "history unavailable")
			}
			return CycleReport{ID: "third"}, nil
		},
	}

	sched, err := NewScheduler(cycler)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.after = immediate

	if err := sched.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cycler.calls != 3 {
		t.Fatalf("a panicking cycle must not stop scheduling, got %d cycles", cycler.calls)
	}
	if status := sched.Status(); status.LastCycleID != "third" || status.LastError != "" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSchedulerSleepsBetweenCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycler := &scriptedCycler{stopAt: 100, cancel: func() {}}

	sched, err := NewScheduler(cycler, WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	waits := make(chan time.Duration, 1)
	sched.after = func(d time.Duration) <-chan time.Time {
		waits <- d
		return make(chan time.Time)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	select {
	case d := <-waits:
		if d != time.Hour {
			t.Fatalf("expected 1h wait, got %s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never went to sleep")
	}
	if sched.State() != StateSleeping {
		t.Fatalf("expected SLEEPING, got %s", sched.State())
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSchedulerCronSchedule(t *testing.T) {
	if _, err := NewScheduler(&scriptedCycler{}, WithCron("not a cron")); !xerrors.HasCode(err, xerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	sched, err := NewScheduler(&scriptedCycler{}, WithCron("*/5 * * * *"))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.now = func() time.Time { return time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC) }
	if wait := sched.nextDelay(); wait != 3*time.Minute {
		t.Fatalf("expected 3m until next tick, got %s", wait)
	}
}

func TestNewSchedulerRequiresCycler(t *testing.T) {
	if _, err := NewScheduler(nil); err == nil {
		t.Fatal("expected error for nil cycler")
	}
}
