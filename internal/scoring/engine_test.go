package scoring

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/advisory"
	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/store"
)

type fakeStore struct {
	services map[uuid.UUID]*models.ServiceNode
	risks    map[uuid.UUID][]store.AssociatedRisk
	edges    map[uuid.UUID][]models.ServiceDependencyEdge
	history  map[uuid.UUID][]models.ScoreHistory

	savedService *models.ServiceNode
	savedHistory *models.ScoreHistory
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		services: make(map[uuid.UUID]*models.ServiceNode),
		risks:    make(map[uuid.UUID][]store.AssociatedRisk),
		edges:    make(map[uuid.UUID][]models.ServiceDependencyEdge),
		history:  make(map[uuid.UUID][]models.ScoreHistory),
	}
}

func (f *fakeStore) GetService(_ context.Context, id uuid.UUID) (*models.ServiceNode, error) {
	return f.services[id], nil
}

func (f *fakeStore) ListActiveRisksForService(_ context.Context, id uuid.UUID) ([]store.AssociatedRisk, error) {
	return f.risks[id], nil
}

func (f *fakeStore) ListDependencies(_ context.Context, id uuid.UUID) ([]models.ServiceDependencyEdge, error) {
	return f.edges[id], nil
}

func (f *fakeStore) ListScoreHistory(_ context.Context, id uuid.UUID, _ int) ([]models.ScoreHistory, error) {
	return f.history[id], nil
}

func (f *fakeStore) UpdateServiceScore(_ context.Context, svc *models.ServiceNode, hist *models.ScoreHistory) error {
	f.savedService = svc
	f.savedHistory = hist
	return nil
}

func associatedRisk(category models.RiskCategory, score, confidence float64) store.AssociatedRisk {
	return store.AssociatedRisk{
		Risk: models.Risk{
			ID:             uuid.New(),
			Category:       category,
			CompositeScore: score,
			Confidence:     confidence,
			Severity:       1 + score/25,
			Likelihood:     3,
			State:          models.RiskStateActive,
		},
		Weight:          1.0,
		AssocConfidence: confidence,
		AssocCascading:  models.CascadingDirect,
	}
}

func TestRecompute_ScoreInRange(t *testing.T) {
	st := newFakeStore()
	svc := &models.ServiceNode{
		ID:          uuid.New(),
		Name:        "payments",
		Criticality: models.CriticalityCritical,
	}
	st.services[svc.ID] = svc
	st.risks[svc.ID] = []store.AssociatedRisk{
		associatedRisk(models.CategorySecurity, 95, 0.95),
		associatedRisk(models.CategorySecurity, 88, 0.9),
		associatedRisk(models.CategoryOperational, 70, 0.85),
	}

	engine := NewEngine(st, advisory.NewDeterministicRulePredictor(), nil)

	res, err := engine.Recompute(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	if res.Score < 0 || res.Score > 100 {
		t.Errorf("score %f outside [0,100]", res.Score)
	}
	for name, f := range map[string]float64{
		"cia":         res.Factors.CIA,
		"dependency":  res.Factors.Dependency,
		"correlation": res.Factors.Correlation,
		"business":    res.Factors.Business,
		"technical":   res.Factors.Technical,
		"historical":  res.Factors.Historical,
	} {
		if f < 0 || f > 100 {
			t.Errorf("factor %s = %f outside [0,100]", name, f)
		}
	}
	if st.savedService == nil || st.savedHistory == nil {
		t.Fatal("recompute did not persist the result")
	}
	if st.savedHistory.Score != res.Score {
		t.Errorf("history score %f != result score %f", st.savedHistory.Score, res.Score)
	}
}

func TestRecompute_Deterministic(t *testing.T) {
	build := func() (*Engine, uuid.UUID) {
		st := newFakeStore()
		svc := &models.ServiceNode{ID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), Name: "ledger", Criticality: models.CriticalityHigh}
		st.services[svc.ID] = svc
		st.risks[svc.ID] = []store.AssociatedRisk{associatedRisk(models.CategorySecurity, 80, 0.9)}
		return NewEngine(st, advisory.NewDeterministicRulePredictor(), nil), svc.ID
	}

	e1, id1 := build()
	e2, id2 := build()

	r1, err := e1.Recompute(context.Background(), id1)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	r2, err := e2.Recompute(context.Background(), id2)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	if r1.Score != r2.Score {
		t.Errorf("identical inputs scored differently: %f vs %f", r1.Score, r2.Score)
	}
}

func TestRecompute_NoRisksKeepsCIA(t *testing.T) {
	st := newFakeStore()
	svc := &models.ServiceNode{
		ID:                   uuid.New(),
		Name:                 "archive",
		Criticality:          models.CriticalityLow,
		ConfidentialityScore: 7,
		IntegrityScore:       4,
		AvailabilityScore:    2,
	}
	st.services[svc.ID] = svc

	engine := NewEngine(st, advisory.NewDeterministicRulePredictor(), nil)
	res, err := engine.Recompute(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	s := res.Service
	if s.ConfidentialityScore != 7 || s.IntegrityScore != 4 || s.AvailabilityScore != 2 {
		t.Errorf("CIA sub-scores changed without risks: %d/%d/%d",
			s.ConfidentialityScore, s.IntegrityScore, s.AvailabilityScore)
	}
}

func TestRecompute_ServiceNotFound(t *testing.T) {
	engine := NewEngine(newFakeStore(), advisory.NewDeterministicRulePredictor(), nil)

	if _, err := engine.Recompute(context.Background(), uuid.New()); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestTrendFor(t *testing.T) {
	tests := []struct {
		name     string
		current  float64
		previous float64
		expected models.RiskTrend
	}{
		{"big jump up", 70, 50, models.TrendIncreasing},
		{"big drop", 30, 50, models.TrendDecreasing},
		{"just above band", 55.1, 50, models.TrendIncreasing},
		{"at band stays stable", 55, 50, models.TrendStable},
		{"small wobble", 52, 50, models.TrendStable},
		{"small dip", 48, 50, models.TrendStable},
		{"at lower band stays stable", 45, 50, models.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trendFor(tt.current, tt.previous); got != tt.expected {
				t.Errorf("trendFor(%f, %f) = %s, expected %s", tt.current, tt.previous, got, tt.expected)
			}
		})
	}
}

func TestProfileFor(t *testing.T) {
	tests := []struct {
		level    models.CriticalityLevel
		rto      float64
		sla      float64
		business float64
	}{
		{models.CriticalityCritical, 1, 99.99, 90},
		{models.CriticalityHigh, 4, 99.9, 70},
		{models.CriticalityMedium, 24, 99.5, 50},
		{models.CriticalityLow, 72, 99.0, 30},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			p := ProfileFor(tt.level)
			if p.RTOHours != tt.rto {
				t.Errorf("RTO = %f, expected %f", p.RTOHours, tt.rto)
			}
			if p.SLATargetPct != tt.sla {
				t.Errorf("SLA = %f, expected %f", p.SLATargetPct, tt.sla)
			}
			if p.BusinessImpact != tt.business {
				t.Errorf("business impact = %f, expected %f", p.BusinessImpact, tt.business)
			}
		})
	}
}

func TestProfileFor_UnknownDefaultsToMedium(t *testing.T) {
	p := ProfileFor(models.CriticalityLevel("mystery"))
	if p != criticalityProfiles[models.CriticalityMedium] {
		t.Error("unknown criticality should fall back to the medium profile")
	}
}

func TestRecomputeCIA_SecuritySkew(t *testing.T) {
	svc := &models.ServiceNode{}
	risks := []store.AssociatedRisk{associatedRisk(models.CategorySecurity, 90, 0.9)}

	conf, integ, avail := recomputeCIA(svc, risks)

	// Security risks weigh confidentiality over availability.
	if conf <= avail {
		t.Errorf("security risk should skew confidentiality above availability: C=%d A=%d", conf, avail)
	}
	if integ < 1 || integ > 10 {
		t.Errorf("integrity %d outside 1-10", integ)
	}
}

func TestRecomputeCIA_OperationalSkew(t *testing.T) {
	svc := &models.ServiceNode{}
	risks := []store.AssociatedRisk{associatedRisk(models.CategoryOperational, 90, 0.9)}

	conf, _, avail := recomputeCIA(svc, risks)

	if avail <= conf {
		t.Errorf("operational risk should skew availability above confidentiality: C=%d A=%d", conf, avail)
	}
}

func TestDependencyFactor(t *testing.T) {
	if got := dependencyFactor(nil); got != 0 {
		t.Errorf("no propagated risks should score 0, got %f", got)
	}

	prop := []propagatedRisk{
		{risk: associatedRisk(models.CategorySecurity, 100, 0.9), edgeFactor: 0.8},
		{risk: associatedRisk(models.CategorySecurity, 50, 0.9), edgeFactor: 0.5},
	}
	got := dependencyFactor(prop)
	want := (100*0.8*1.0 + 50*0.5*1.0) / 2
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("dependencyFactor = %f, expected %f", got, want)
	}
}

func TestCorrelationFactor(t *testing.T) {
	if got := correlationFactor(nil); got != 0 {
		t.Errorf("no direct risks should score 0, got %f", got)
	}

	direct := []store.AssociatedRisk{
		associatedRisk(models.CategorySecurity, 80, 0.9),
		associatedRisk(models.CategorySecurity, 40, 0.9),
	}
	direct[1].Weight = 3.0

	got := correlationFactor(direct)
	want := (80*1.0 + 40*3.0) / 4.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("correlationFactor = %f, expected %f", got, want)
	}
}

func TestHistoricalPattern(t *testing.T) {
	if got := historicalPattern(nil); got != 0 {
		t.Errorf("empty history should score 0, got %f", got)
	}

	history := []models.ScoreHistory{
		{Trend: models.TrendIncreasing},
		{Trend: models.TrendIncreasing},
		{Trend: models.TrendStable},
		{Trend: models.TrendDecreasing},
	}
	if got := historicalPattern(history); got != 50 {
		t.Errorf("historicalPattern = %f, expected 50", got)
	}
}
