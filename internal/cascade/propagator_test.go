package cascade

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/graph"
	"github.com/aria5/riskcore/internal/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

type fakeStore struct {
	associations []models.ServiceRiskAssociation
	edges        []models.ServiceDependencyEdge
	upserted     []models.ServiceRiskAssociation
}

func (f *fakeStore) ListAssociationsByRisk(_ context.Context, _ uuid.UUID) ([]models.ServiceRiskAssociation, error) {
	return f.associations, nil
}

func (f *fakeStore) UpsertAssociation(_ context.Context, assoc *models.ServiceRiskAssociation) error {
	f.upserted = append(f.upserted, *assoc)
	return nil
}

func (f *fakeStore) ListAllDependencies(_ context.Context) ([]models.ServiceDependencyEdge, error) {
	return f.edges, nil
}

func edge(from, to uuid.UUID, criticality models.CriticalityLevel) models.ServiceDependencyEdge {
	return models.ServiceDependencyEdge{
		ID:                 uuid.New(),
		ServiceID:          from,
		DependsOnServiceID: to,
		DependencyType:     models.DependencyFunctional,
		Criticality:        criticality,
	}
}

func approvedRisk(score, confidence float64) *models.Risk {
	return &models.Risk{
		ID:             uuid.New(),
		CompositeScore: score,
		Confidence:     confidence,
		ApprovalStatus: models.ApprovalApproved,
		State:          models.RiskStateActive,
	}
}

func directAssociation(serviceID, riskID uuid.UUID) models.ServiceRiskAssociation {
	return models.ServiceRiskAssociation{
		ServiceID:     serviceID,
		RiskID:        riskID,
		Weight:        1.0,
		CascadingType: models.CascadingDirect,
	}
}

func TestPropagateOver_SingleHop(t *testing.T) {
	origin := uuid.New()
	downstream := uuid.New()
	risk := approvedRisk(80, 0.9)

	st := &fakeStore{associations: []models.ServiceRiskAssociation{directAssociation(origin, risk.ID)}}
	snap := graph.NewSnapshot([]models.ServiceDependencyEdge{
		edge(downstream, origin, models.CriticalityHigh), // downstream depends on origin
	})

	p := NewPropagator(st, DefaultConfig(), nil)
	cascades, err := p.PropagateOver(context.Background(), risk, snap)
	if err != nil {
		t.Fatalf("PropagateOver: %v", err)
	}

	if len(cascades) != 1 {
		t.Fatalf("expected 1 cascade, got %d", len(cascades))
	}

	c := cascades[0]
	if c.ServiceID != downstream {
		t.Error("cascade hit the wrong service")
	}
	// score x high-criticality factor x origin confidence
	wantScore := 80 * 0.8 * 0.9
	if !almostEqual(c.Score, wantScore) {
		t.Errorf("cascaded score = %f, expected %f", c.Score, wantScore)
	}
	wantConf := 0.9 * 0.8
	if !almostEqual(c.Confidence, wantConf) {
		t.Errorf("cascaded confidence = %f, expected %f", c.Confidence, wantConf)
	}
	if !almostEqual(c.Weight, wantScore/80) {
		t.Errorf("weight = %f, expected %f", c.Weight, wantScore/80)
	}
	if c.Depth != 1 {
		t.Errorf("depth = %d, expected 1", c.Depth)
	}
	if !c.RequiresApproval {
		t.Error("a cascaded score above the bar must require approval")
	}

	if len(st.upserted) != 1 {
		t.Fatalf("expected 1 persisted association, got %d", len(st.upserted))
	}
	if st.upserted[0].CascadingType != models.CascadingDependency {
		t.Errorf("cascaded association type = %s, expected dependency", st.upserted[0].CascadingType)
	}
}

func TestPropagateOver_ConfidenceDecaysMonotonically(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	risk := approvedRisk(90, 1.0)

	st := &fakeStore{associations: []models.ServiceRiskAssociation{directAssociation(a, risk.ID)}}
	snap := graph.NewSnapshot([]models.ServiceDependencyEdge{
		edge(b, a, models.CriticalityHigh),
		edge(c, b, models.CriticalityHigh),
		edge(d, c, models.CriticalityHigh),
	})

	p := NewPropagator(st, DefaultConfig(), nil)
	cascades, err := p.PropagateOver(context.Background(), risk, snap)
	if err != nil {
		t.Fatalf("PropagateOver: %v", err)
	}
	if len(cascades) != 3 {
		t.Fatalf("expected 3 cascades, got %d", len(cascades))
	}

	prev := risk.Confidence
	for i, c := range cascades {
		if c.Confidence >= prev {
			t.Errorf("hop %d confidence %f did not decay below %f", i+1, c.Confidence, prev)
		}
		if c.Confidence > risk.Confidence {
			t.Errorf("hop %d confidence %f exceeds origin %f", i+1, c.Confidence, risk.Confidence)
		}
		prev = c.Confidence
	}
}

func TestPropagateOver_CycleSafe(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	risk := approvedRisk(80, 0.9)

	st := &fakeStore{associations: []models.ServiceRiskAssociation{directAssociation(a, risk.ID)}}
	snap := graph.NewSnapshot([]models.ServiceDependencyEdge{
		edge(b, a, models.CriticalityHigh),
		edge(a, b, models.CriticalityHigh), // cycle back to the origin
	})

	p := NewPropagator(st, DefaultConfig(), nil)
	cascades, err := p.PropagateOver(context.Background(), risk, snap)
	if err != nil {
		t.Fatalf("PropagateOver: %v", err)
	}

	if len(cascades) != 1 {
		t.Fatalf("cycle should yield exactly 1 cascade, got %d", len(cascades))
	}
	if cascades[0].ServiceID != b {
		t.Error("cascade should land on the dependent, not re-enter the origin")
	}
}

func TestPropagateOver_MaxDepth(t *testing.T) {
	// Chain of 8 dependents behind the origin; only MaxDepth hops cascade.
	services := make([]uuid.UUID, 9)
	for i := range services {
		services[i] = uuid.New()
	}
	risk := approvedRisk(100, 1.0)

	var edges []models.ServiceDependencyEdge
	for i := 1; i < len(services); i++ {
		edges = append(edges, edge(services[i], services[i-1], models.CriticalityCritical))
	}

	st := &fakeStore{associations: []models.ServiceRiskAssociation{directAssociation(services[0], risk.ID)}}
	cfg := DefaultConfig()
	cfg.MaxDepth = 5

	p := NewPropagator(st, cfg, nil)
	cascades, err := p.PropagateOver(context.Background(), risk, graph.NewSnapshot(edges))
	if err != nil {
		t.Fatalf("PropagateOver: %v", err)
	}

	if len(cascades) != 5 {
		t.Errorf("expected the walk to stop at depth 5, got %d cascades", len(cascades))
	}
	for _, c := range cascades {
		if c.Depth > 5 {
			t.Errorf("cascade at depth %d exceeds the bound", c.Depth)
		}
	}
}

func TestPropagateOver_Guards(t *testing.T) {
	origin := uuid.New()
	dependent := uuid.New()

	snap := graph.NewSnapshot([]models.ServiceDependencyEdge{
		edge(dependent, origin, models.CriticalityHigh),
	})

	tests := []struct {
		name string
		risk *models.Risk
	}{
		{"below confidence threshold", &models.Risk{ID: uuid.New(), CompositeScore: 90, Confidence: 0.5, ApprovalStatus: models.ApprovalApproved}},
		{"not approved", &models.Risk{ID: uuid.New(), CompositeScore: 90, Confidence: 0.9, ApprovalStatus: models.ApprovalPending}},
		{"zero score", &models.Risk{ID: uuid.New(), CompositeScore: 0, Confidence: 0.9, ApprovalStatus: models.ApprovalApproved}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{associations: []models.ServiceRiskAssociation{directAssociation(origin, tt.risk.ID)}}
			p := NewPropagator(st, DefaultConfig(), nil)

			cascades, err := p.PropagateOver(context.Background(), tt.risk, snap)
			if err != nil {
				t.Fatalf("PropagateOver: %v", err)
			}
			if len(cascades) != 0 {
				t.Errorf("expected no cascades, got %d", len(cascades))
			}
			if len(st.upserted) != 0 {
				t.Errorf("guarded walk must not persist associations, got %d", len(st.upserted))
			}
		})
	}
}

func TestPropagateOver_LowScoreBelowApprovalBar(t *testing.T) {
	origin := uuid.New()
	dependent := uuid.New()
	// 10 x 0.3 (low-criticality edge) x 0.9 = 2.7, under the approval bar.
	risk := approvedRisk(10, 0.9)

	st := &fakeStore{associations: []models.ServiceRiskAssociation{directAssociation(origin, risk.ID)}}
	snap := graph.NewSnapshot([]models.ServiceDependencyEdge{
		edge(dependent, origin, models.CriticalityLow),
	})

	p := NewPropagator(st, DefaultConfig(), nil)
	cascades, err := p.PropagateOver(context.Background(), risk, snap)
	if err != nil {
		t.Fatalf("PropagateOver: %v", err)
	}

	if len(cascades) != 1 {
		t.Fatalf("expected 1 cascade, got %d", len(cascades))
	}
	if cascades[0].RequiresApproval {
		t.Error("a cascaded score under the bar should not require approval")
	}
}
