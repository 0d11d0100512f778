package decision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/internal/metrics"
	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/internal/rules"
	"github.com/Sh00ty/indexer-agent/internal/shared"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// ManagementMode controls what the engine does with the actions it decides on.
type ManagementMode string

const (
	// ModeAuto queues actions already approved.
	ModeAuto ManagementMode = "auto"
	// ModeManual turns the engine off, operators queue everything themselves.
	ModeManual ManagementMode = "manual"
	// ModeOversight queues actions for an operator to approve.
	ModeOversight ManagementMode = "oversight"
)

func (m ManagementMode) Valid() bool {
	switch m {
	case ModeAuto, ModeManual, ModeOversight:
		return true
	}
	return false
}

type Rules interface {
	Snapshot(ctx context.Context) (rules.Set, error)
}

type Queue interface {
	InFlight(ctx context.Context) ([]indexing.Action, error)
	Enqueue(ctx context.Context, inputs []indexing.ActionInput) ([]indexing.Action, error)
}

// POIProvider returns the proof of indexing needed to close an allocation.
type POIProvider interface {
	POI(ctx context.Context, deploymentID string, epoch int64) (string, error)
}

type Config struct {
	Mode          ManagementMode
	AutoApprove   []string
	DefaultAmount decimal.Decimal
}

type Engine struct {
	rules   Rules
	queue   Queue
	view    network.View
	pois    POIProvider
	rate    *shared.Value[decimal.Decimal]
	metrics metrics.Metrics
	cfg     Config

	runGuard sync.Mutex
	log      zerolog.Logger
}

func New(
	rulesStore Rules,
	queue Queue,
	view network.View,
	pois POIProvider,
	conversionRate *shared.Value[decimal.Decimal],
	m metrics.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Engine {
	if m == nil {
		m = metrics.Noop{}
	}
	if conversionRate == nil {
		conversionRate = shared.NewConversionRate()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeOversight
	}
	return &Engine{
		rules:   rulesStore,
		queue:   queue,
		view:    view,
		pois:    pois,
		rate:    conversionRate,
		metrics: m,
		cfg:     cfg,
		log:     logger.With().Str("component", "decision-engine").Logger(),
	}
}

// Run evaluates every known deployment once and queues the resulting actions.
// Actions colliding with in-flight ones are dropped silently.
func (e *Engine) Run(ctx context.Context) ([]indexing.Action, error) {
	e.runGuard.Lock()
	defer e.runGuard.Unlock()

	if e.cfg.Mode == ModeManual {
		e.log.Debug().Msg("manual allocation management, nothing to decide")
		return []indexing.Action{}, nil
	}
	started := time.Now()
	e.metrics.Increment(metrics.DecisionRuns)
	defer func() {
		e.metrics.Duration(metrics.DecisionRunDuration, time.Since(started))
	}()

	snap, err := network.Load(ctx, e.view)
	if err != nil {
		return nil, fmt.Errorf("network view unavailable: %w", err)
	}
	set, err := e.rules.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexing rules: %w", err)
	}
	inFlight, err := e.queue.InFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read in-flight actions: %w", err)
	}

	decided := Evaluate(snap, set, e.rate.Get(), e.cfg.DefaultAmount)
	inputs := make([]indexing.ActionInput, 0, len(decided))
	for _, d := range decided {
		if collides(d, inFlight) {
			continue
		}
		input, ok := e.toInput(ctx, snap, d)
		if !ok {
			continue
		}
		inputs = append(inputs, input)
	}
	if len(inputs) == 0 {
		return []indexing.Action{}, nil
	}

	queued, err := e.enqueue(ctx, inputs)
	if err != nil {
		return nil, err
	}
	e.metrics.Add(metrics.DecisionEmitted, len(queued))
	e.log.Info().Msgf("queued %d actions at epoch %d", len(queued), snap.Epoch)
	return queued, nil
}

func (e *Engine) toInput(ctx context.Context, snap network.Snapshot, d Decision) (indexing.ActionInput, bool) {
	input := indexing.ActionInput{
		Status:       indexing.ActionQueued,
		Type:         d.Type,
		DeploymentID: d.DeploymentID,
		AllocationID: d.AllocationID,
		Amount:       d.Amount,
		Source:       indexing.PolicyEngineSource,
		Reason:       d.Reason,
	}
	if e.cfg.Mode == ModeAuto || slices.Contains(e.cfg.AutoApprove, d.DeploymentID) {
		input.Status = indexing.ActionApproved
	}
	if d.Type == indexing.ActionAllocate {
		return input, true
	}
	if e.pois == nil {
		e.log.Warn().Msgf("no poi provider, skip %s of %s", d.Type, d.AllocationID)
		return input, false
	}
	poi, err := e.pois.POI(ctx, d.DeploymentID, snap.Epoch)
	if err != nil {
		e.log.Warn().Err(err).Msgf("failed to get poi for %s, retry on next run", d.DeploymentID)
		return input, false
	}
	input.POI = poi
	return input, true
}

// enqueue submits the whole set at once and falls back to one by one when
// an operator raced us to some target.
func (e *Engine) enqueue(ctx context.Context, inputs []indexing.ActionInput) ([]indexing.Action, error) {
	queued, err := e.queue.Enqueue(ctx, inputs)
	if err == nil {
		return queued, nil
	}
	if !indexing.IsConflict(err) {
		e.metrics.Increment(metrics.DecisionErrors)
		return nil, fmt.Errorf("failed to queue decided actions: %w", err)
	}

	queued = make([]indexing.Action, 0, len(inputs))
	var errs []error
	for _, in := range inputs {
		stored, err := e.queue.Enqueue(ctx, []indexing.ActionInput{in})
		switch {
		case indexing.IsConflict(err):
			e.log.Debug().Msgf("%s on %s collided with an in-flight action", in.Type, in.DeploymentID)
		case err != nil:
			errs = append(errs, err)
		default:
			queued = append(queued, stored...)
		}
	}
	if len(errs) > 0 {
		e.metrics.Increment(metrics.DecisionErrors)
		return queued, fmt.Errorf("failed to queue decided actions: %w", errors.Join(errs...))
	}
	return queued, nil
}

func collides(d Decision, inFlight []indexing.Action) bool {
	candidate := indexing.Action{DeploymentID: d.DeploymentID, AllocationID: d.AllocationID}
	for _, a := range inFlight {
		if candidate.Targets(a) {
			return true
		}
	}
	return false
}
