package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/models"
)

// Snapshot is an in-memory adjacency view of the dependency graph taken at
// a point in time. Cascade traversal walks the snapshot so it holds no
// store or driver locks across hops.
type Snapshot struct {
	// dependents[X] lists the edges of services that declare a dependency
	// on X, i.e. who is downstream of X's risk.
	dependents map[uuid.UUID][]models.ServiceDependencyEdge
}

// EdgeLister loads all dependency edges, typically the relational store.
type EdgeLister interface {
	ListAllDependencies(ctx context.Context) ([]models.ServiceDependencyEdge, error)
}

// Load builds a snapshot from the store's current edge set.
func Load(ctx context.Context, lister EdgeLister) (*Snapshot, error) {
	edges, err := lister.ListAllDependencies(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(edges), nil
}

func NewSnapshot(edges []models.ServiceDependencyEdge) *Snapshot {
	dependents := make(map[uuid.UUID][]models.ServiceDependencyEdge)
	for _, e := range edges {
		dependents[e.DependsOnServiceID] = append(dependents[e.DependsOnServiceID], e)
	}
	return &Snapshot{dependents: dependents}
}

// Dependents returns the edges of services that depend on the given
// service. The returned slice is shared; callers must not mutate it.
func (s *Snapshot) Dependents(serviceID uuid.UUID) []models.ServiceDependencyEdge {
	return s.dependents[serviceID]
}
