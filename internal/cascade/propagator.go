package cascade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/graph"
	"github.com/aria5/riskcore/internal/models"
)

// Config bounds the propagation walk.
type Config struct {
	ConfidenceThreshold float64 // minimum risk confidence to cascade at all
	DecayFactor         float64 // per-hop confidence multiplier
	MaxDepth            int     // hop bound
	ApprovalScoreBar    float64 // cascaded score above this requires approval
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		DecayFactor:         0.8,
		MaxDepth:            5,
		ApprovalScoreBar:    10,
	}
}

// Store is the slice of the relational store the propagator touches.
type Store interface {
	ListAssociationsByRisk(ctx context.Context, riskID uuid.UUID) ([]models.ServiceRiskAssociation, error)
	UpsertAssociation(ctx context.Context, assoc *models.ServiceRiskAssociation) error
	ListAllDependencies(ctx context.Context) ([]models.ServiceDependencyEdge, error)
}

// Propagator walks the dependency graph outward from a risk's directly
// associated services, creating decayed dependency associations on
// dependents. The walk is iterative breadth-first with an explicit visited
// set; the graph may contain cycles.
type Propagator struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

func NewPropagator(st Store, cfg Config, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.DecayFactor == 0 {
		cfg.DecayFactor = 0.8
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 5
	}
	if cfg.ApprovalScoreBar == 0 {
		cfg.ApprovalScoreBar = 10
	}
	return &Propagator{store: st, cfg: cfg, logger: logger}
}

// Cascade is one propagated association produced by a walk.
type Cascade struct {
	ServiceID        uuid.UUID
	Score            float64
	Confidence       float64
	Weight           float64
	Depth            int
	RequiresApproval bool
}

// frontier entries carry the confidence already decayed to their hop.
type frontier struct {
	serviceID  uuid.UUID
	confidence float64
	depth      int
}

// Propagate walks dependents of the risk's directly associated services.
// It returns the cascades it persisted. Risks below the confidence
// threshold or not yet approved do not cascade.
func (p *Propagator) Propagate(ctx context.Context, risk *models.Risk) ([]Cascade, error) {
	if risk.Confidence < p.cfg.ConfidenceThreshold {
		return nil, nil
	}
	if risk.ApprovalStatus != models.ApprovalApproved {
		return nil, nil
	}
	if risk.CompositeScore <= 0 {
		return nil, nil
	}

	snap, err := graph.Load(ctx, p.store)
	if err != nil {
		return nil, fmt.Errorf("loading dependency snapshot: %w", err)
	}
	return p.PropagateOver(ctx, risk, snap)
}

// PropagateOver runs the walk against a caller-provided snapshot. The batch
// processor loads one snapshot per cycle and shares it across events.
func (p *Propagator) PropagateOver(ctx context.Context, risk *models.Risk, snap *graph.Snapshot) ([]Cascade, error) {
	if risk.Confidence < p.cfg.ConfidenceThreshold || risk.ApprovalStatus != models.ApprovalApproved {
		return nil, nil
	}
	if risk.CompositeScore <= 0 {
		return nil, nil
	}

	direct, err := p.store.ListAssociationsByRisk(ctx, risk.ID)
	if err != nil {
		return nil, fmt.Errorf("loading direct associations: %w", err)
	}

	visited := make(map[uuid.UUID]struct{}, len(direct))
	var queue []frontier
	for _, assoc := range direct {
		visited[assoc.ServiceID] = struct{}{}
		queue = append(queue, frontier{
			serviceID:  assoc.ServiceID,
			confidence: risk.Confidence,
			depth:      0,
		})
	}

	var cascades []Cascade

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= p.cfg.MaxDepth {
			continue
		}

		for _, edge := range snap.Dependents(cur.serviceID) {
			dependent := edge.ServiceID
			if _, seen := visited[dependent]; seen {
				continue
			}
			visited[dependent] = struct{}{}

			cascadedScore := risk.CompositeScore * edge.PropagationFactor() * cur.confidence
			cascadedConfidence := cur.confidence * p.cfg.DecayFactor

			if cascadedScore <= 0 {
				continue
			}

			c := Cascade{
				ServiceID:        dependent,
				Score:            cascadedScore,
				Confidence:       cascadedConfidence,
				Weight:           cascadedScore / risk.CompositeScore,
				Depth:            cur.depth + 1,
				RequiresApproval: cascadedScore > p.cfg.ApprovalScoreBar,
			}

			assoc := &models.ServiceRiskAssociation{
				ServiceID:        dependent,
				RiskID:           risk.ID,
				Weight:           c.Weight,
				CascadingType:    models.CascadingDependency,
				Confidence:       cascadedConfidence,
				RequiresApproval: c.RequiresApproval,
			}
			if err := p.store.UpsertAssociation(ctx, assoc); err != nil {
				return cascades, fmt.Errorf("upserting cascade association: %w", err)
			}

			cascades = append(cascades, c)
			queue = append(queue, frontier{
				serviceID:  dependent,
				confidence: cascadedConfidence,
				depth:      cur.depth + 1,
			})
		}
	}

	if len(cascades) > 0 {
		p.logger.Info("risk cascaded",
			"risk_id", risk.ID,
			"associations", len(cascades),
			"max_depth", p.cfg.MaxDepth)
	}

	return cascades, nil
}
