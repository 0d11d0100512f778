package network

import (
	"context"
	"fmt"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// View is a read-only window into the network state.
type View interface {
	Epoch(ctx context.Context) (int64, error)
	Parameters(ctx context.Context) (indexing.NetworkParameters, error)
	Deployments(ctx context.Context) ([]indexing.Deployment, error)
	Allocations(ctx context.Context, indexer string) ([]indexing.Allocation, error)
}

// Snapshot is everything a single cycle needs, read once.
type Snapshot struct {
	Epoch       int64
	Parameters  indexing.NetworkParameters
	Deployments []indexing.Deployment
	Allocations []indexing.Allocation
}

func Load(ctx context.Context, view View) (Snapshot, error) {
	epoch, err := view.Epoch(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get epoch: %w", err)
	}
	params, err := view.Parameters(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get network parameters: %w", err)
	}
	deployments, err := view.Deployments(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get deployments: %w", err)
	}
	allocations, err := view.Allocations(ctx, params.Indexer)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get allocations: %w", err)
	}
	return Snapshot{
		Epoch:       epoch,
		Parameters:  params,
		Deployments: deployments,
		Allocations: allocations,
	}, nil
}

func (s Snapshot) Status(a indexing.Allocation) indexing.AllocationStatus {
	return a.Status(s.Epoch, s.Parameters.DisputeEpochs)
}

func (s Snapshot) Allocation(id string) (indexing.Allocation, bool) {
	for _, a := range s.Allocations {
		if indexing.SameAddress(a.ID, id) {
			return a, true
		}
	}
	return indexing.Allocation{}, false
}

func (s Snapshot) Deployment(id string) (indexing.Deployment, bool) {
	for _, d := range s.Deployments {
		if d.ID == id {
			return d, true
		}
	}
	return indexing.Deployment{}, false
}

// ActiveAllocations returns this indexer's active allocations on a deployment.
func (s Snapshot) ActiveAllocations(deploymentID string) []indexing.Allocation {
	result := make([]indexing.Allocation, 0, 1)
	for _, a := range s.Allocations {
		if a.DeploymentID != deploymentID || !indexing.SameAddress(a.Indexer, s.Parameters.Indexer) {
			continue
		}
		if s.Status(a) == indexing.AllocationActive {
			result = append(result, a)
		}
	}
	return result
}

// ByStatus filters allocations; empty status matches all.
func (s Snapshot) ByStatus(status indexing.AllocationStatus, deploymentID string) []indexing.Allocation {
	result := make([]indexing.Allocation, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		if status != "" && s.Status(a) != status {
			continue
		}
		if deploymentID != "" && a.DeploymentID != deploymentID {
			continue
		}
		result = append(result, a)
	}
	return result
}
