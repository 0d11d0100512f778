package metrics

import "time"

type Metrics interface {
	Increment(string)
	Add(string, int)
	Duration(string, time.Duration)
	Gauge(string, int)
}

const (
	ExecutorCycles        = "executor.cycles"
	ExecutorCycleDuration = "executor.cycle_duration"
	ExecutorDeferred      = "executor.deferred"
	ExecutorClaimed       = "executor.claimed"
	ExecutorSucceeded     = "executor.succeeded"
	ExecutorFailed        = "executor.failed"
	ExecutorUnknown       = "executor.unknown"
	ExecutorReconciled    = "executor.reconciled"
	ExecutorPending       = "executor.pending"
	ExecutorErrors        = "executor.errors"
	DecisionRuns          = "decision.runs"
	DecisionErrors        = "decision.errors"
	DecisionEmitted       = "decision.emitted"
	DecisionRunDuration   = "decision.run_duration"
)

type Noop struct{}

func (Noop) Increment(string)               {}
func (Noop) Add(string, int)                {}
func (Noop) Duration(string, time.Duration) {}
func (Noop) Gauge(string, int)              {}
