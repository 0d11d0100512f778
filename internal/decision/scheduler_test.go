package decision

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type countingRunner struct {
	runs atomic.Int32
	err  error
}

func (r *countingRunner) Run(context.Context) ([]indexing.Action, error) {
	r.runs.Add(1)
	return nil, r.err
}

type leaderFlag struct {
	leader atomic.Bool
}

func (l *leaderFlag) IsLeader() bool { return l.leader.Load() }

func runScheduler(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestSchedulerRunsOnTrigger(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, nil, nil, SchedulerConfig{Interval: time.Hour, TriggerEvery: time.Millisecond, TriggerBurst: 4})
	stop := runScheduler(t, s)
	defer stop()

	s.Trigger("rules changed")
	assert.Eventually(t, func() bool { return runner.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Trigger("conversion rate changed")
	assert.Eventually(t, func() bool { return runner.runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerTicksAndSurvivesErrors(t *testing.T) {
	runner := &countingRunner{err: errors.New("gateway down")}
	s := NewScheduler(runner, nil, nil, SchedulerConfig{Interval: 5 * time.Millisecond, TriggerEvery: time.Millisecond, TriggerBurst: 4})
	stop := runScheduler(t, s)
	defer stop()

	assert.Eventually(t, func() bool { return runner.runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerOnlyRunsOnLeader(t *testing.T) {
	runner := &countingRunner{}
	leader := &leaderFlag{}
	s := NewScheduler(runner, leader, nil, SchedulerConfig{Interval: 5 * time.Millisecond, TriggerEvery: time.Millisecond, TriggerBurst: 4})
	stop := runScheduler(t, s)
	defer stop()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, runner.runs.Load())

	leader.leader.Store(true)
	assert.Eventually(t, func() bool { return runner.runs.Load() > 0 }, time.Second, 5*time.Millisecond)
}
