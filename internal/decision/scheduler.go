package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/indexer-agent/internal/metrics"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type Runner interface {
	Run(ctx context.Context) ([]indexing.Action, error)
}

type Leader interface {
	IsLeader() bool
}

type SchedulerConfig struct {
	Interval time.Duration
	// TriggerEvery and TriggerBurst size the token bucket shared by ticks and triggers.
	TriggerEvery time.Duration
	TriggerBurst int
}

// Scheduler runs the engine on every tick and on external triggers.
type Scheduler struct {
	runner               Runner
	leader               Leader
	metrics              metrics.Metrics
	interval             time.Duration
	limiter              *rate.Limiter
	trigger              chan string
	afterErrorTokenUsage int
	afterOkTokenUsage    int
	wasError             bool
}

func NewScheduler(runner Runner, leader Leader, m metrics.Metrics, cfg SchedulerConfig) *Scheduler {
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.TriggerEvery <= 0 {
		cfg.TriggerEvery = 4 * time.Second
	}
	if cfg.TriggerBurst <= 0 {
		cfg.TriggerBurst = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		runner:               runner,
		leader:               leader,
		metrics:              m,
		interval:             cfg.Interval,
		limiter:              rate.NewLimiter(rate.Every(cfg.TriggerEvery), cfg.TriggerBurst),
		trigger:              make(chan string, 1),
		afterErrorTokenUsage: 2,
		afterOkTokenUsage:    1,
	}
}

// Trigger asks for a run. Triggers arriving while one is already waiting are merged.
func (s *Scheduler) Trigger(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		reason := "tick"
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case reason = <-s.trigger:
		}

		reqTokenUsage := s.afterOkTokenUsage
		if s.wasError {
			reqTokenUsage = s.afterErrorTokenUsage
		}
		err := s.limiter.WaitN(ctx, reqTokenUsage)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			log.Error().Err(err).Msg("unexpected limiter error, skip decision run")
			continue
		}
		if s.leader != nil && !s.leader.IsLeader() {
			continue
		}
		runID, err := uuid.GenerateUUID()
		if err != nil {
			return fmt.Errorf("failed to generate uuid for decision run, probably need restart: %w", err)
		}
		err = s.runIteration(ctx, runID, reason)
		if err == nil {
			s.wasError = false
			continue
		}
		s.metrics.Increment(metrics.DecisionErrors)
		log.Error().Err(err).Msgf("decision run %s skipped", runID)
		s.wasError = true
	}
}

func (s *Scheduler) runIteration(ctx context.Context, runID, reason string) error {
	ts := time.Now()
	queued, err := s.runner.Run(ctx)
	if err != nil {
		return err
	}
	log.Info().Msgf("decision run %s (%s): queued %d actions in %d ms", runID, reason, len(queued), time.Since(ts).Milliseconds())
	return nil
}
