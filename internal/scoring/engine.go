package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/advisory"
	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/store"
)

// Factor weights for the algorithmic composite. They sum to 1.0.
const (
	weightCIA         = 0.35
	weightDependency  = 0.20
	weightCorrelation = 0.30
	weightBusiness    = 0.10
	weightTechnical   = 0.03
	weightHistorical  = 0.02
)

// trendBand is the score delta beyond which the trend leaves "stable".
const trendBand = 5.0

// maxCascadeBoost caps the post-blend boost from high-confidence risks.
const maxCascadeBoost = 15.0

// Store is the slice of the relational store the engine reads and writes.
type Store interface {
	GetService(ctx context.Context, id uuid.UUID) (*models.ServiceNode, error)
	ListActiveRisksForService(ctx context.Context, serviceID uuid.UUID) ([]store.AssociatedRisk, error)
	ListDependencies(ctx context.Context, serviceID uuid.UUID) ([]models.ServiceDependencyEdge, error)
	ListScoreHistory(ctx context.Context, serviceID uuid.UUID, limit int) ([]models.ScoreHistory, error)
	UpdateServiceScore(ctx context.Context, svc *models.ServiceNode, hist *models.ScoreHistory) error
}

// Engine recomputes a service's composite risk score. A recompute either
// persists fully (aggregate, CIA sub-scores, trend, history row) or leaves
// the prior state intact and surfaces the error.
type Engine struct {
	store     Store
	predictor advisory.Predictor
	logger    *slog.Logger
}

func NewEngine(st Store, predictor advisory.Predictor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, predictor: predictor, logger: logger}
}

// Result is the outcome of one recompute.
type Result struct {
	Service       *models.ServiceNode
	PreviousScore float64
	Score         float64
	Trend         models.RiskTrend
	MLConfidence  float64
	Factors       Factors
}

// Factors are the 0-100 sub-scores feeding the composite.
type Factors struct {
	CIA         float64
	Dependency  float64
	Correlation float64
	Business    float64
	Technical   float64
	Historical  float64
}

// Recompute recalculates and persists the composite score for a service.
func (e *Engine) Recompute(ctx context.Context, serviceID uuid.UUID) (*Result, error) {
	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("loading service: %w", err)
	}
	if svc == nil {
		return nil, fmt.Errorf("service not found: %s", serviceID)
	}

	direct, err := e.store.ListActiveRisksForService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("loading direct risks: %w", err)
	}

	propagated, err := e.gatherPropagated(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("loading propagated risks: %w", err)
	}

	history, err := e.store.ListScoreHistory(ctx, serviceID, 10)
	if err != nil {
		return nil, fmt.Errorf("loading score history: %w", err)
	}

	conf, integ, avail := recomputeCIA(svc, direct)

	factors := Factors{
		CIA:         ciaFactor(conf, integ, avail),
		Dependency:  dependencyFactor(propagated),
		Correlation: correlationFactor(direct),
		Business:    businessImpact(svc.Criticality),
		Technical:   technicalFit(svc.Criticality),
		Historical:  historicalPattern(history),
	}

	algorithmic := factors.CIA*weightCIA +
		factors.Dependency*weightDependency +
		factors.Correlation*weightCorrelation +
		factors.Business*weightBusiness +
		factors.Technical*weightTechnical +
		factors.Historical*weightHistorical

	highConfidence := 0
	for _, r := range direct {
		if r.Confidence > 0.8 {
			highConfidence++
		}
	}

	pred, err := e.predictor.Predict(ctx, advisory.FeatureVector{
		ServiceName:        svc.Name,
		Criticality:        string(svc.Criticality),
		CIAScore:           factors.CIA,
		DependencyImpact:   factors.Dependency,
		CorrelationImpact:  factors.Correlation,
		BusinessImpact:     factors.Business,
		TechnicalFit:       factors.Technical,
		HistoricalPattern:  factors.Historical,
		ActiveRiskCount:    len(direct),
		HighConfidenceRisk: highConfidence,
	})
	if err != nil {
		// Prediction failure never blocks scoring; a resilient predictor
		// should have degraded already, this is the last line.
		e.logger.Warn("prediction failed, scoring algorithmically", "error", err)
		pred = &advisory.Prediction{Score: algorithmic, Confidence: 0}
	}

	blended := algorithmic*(1-pred.Confidence) + pred.Score*pred.Confidence
	blended += math.Min(float64(highConfidence)*5, maxCascadeBoost)
	blended = clamp(blended, 0, 100)

	previous := svc.AggregateScore
	trend := trendFor(blended, previous)

	svc.AggregateScore = blended
	svc.RiskTrend = trend
	svc.ConfidentialityScore = conf
	svc.IntegrityScore = integ
	svc.AvailabilityScore = avail

	hist := &models.ScoreHistory{
		ServiceID:     serviceID,
		Score:         blended,
		PreviousScore: previous,
		Trend:         trend,
		MLConfidence:  pred.Confidence,
	}

	if err := e.store.UpdateServiceScore(ctx, svc, hist); err != nil {
		return nil, fmt.Errorf("persisting recompute: %w", err)
	}

	e.logger.Info("service rescored",
		"service_id", serviceID,
		"previous", previous,
		"score", blended,
		"trend", trend)

	return &Result{
		Service:       svc,
		PreviousScore: previous,
		Score:         blended,
		Trend:         trend,
		MLConfidence:  pred.Confidence,
		Factors:       factors,
	}, nil
}

// propagatedRisk carries an upstream risk with the decay-adjusted weight of
// the edge it arrives over.
type propagatedRisk struct {
	risk       store.AssociatedRisk
	edgeFactor float64
}

func (e *Engine) gatherPropagated(ctx context.Context, serviceID uuid.UUID) ([]propagatedRisk, error) {
	edges, err := e.store.ListDependencies(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	var out []propagatedRisk
	for _, edge := range edges {
		upstream, err := e.store.ListActiveRisksForService(ctx, edge.DependsOnServiceID)
		if err != nil {
			return nil, err
		}
		for _, r := range upstream {
			out = append(out, propagatedRisk{risk: r, edgeFactor: edge.PropagationFactor()})
		}
	}
	return out, nil
}

// ciaContribution is the per-category emphasis applied to a risk's score
// when it feeds the three CIA dimensions.
var ciaContribution = map[models.RiskCategory][3]float64{
	models.CategorySecurity:    {1.0, 0.8, 0.6},
	models.CategoryOperational: {0.3, 0.6, 1.0},
	models.CategoryCompliance:  {0.8, 0.7, 0.4},
	models.CategoryStrategic:   {0.5, 0.5, 0.5},
}

// recomputeCIA derives the three 1-10 sub-scores as a risk-weighted average:
// weight = (severity x likelihood) / 25, each dimension the weighted mean of
// per-risk contributions, clamped and rounded.
func recomputeCIA(svc *models.ServiceNode, risks []store.AssociatedRisk) (int, int, int) {
	if len(risks) == 0 {
		return clampCIA(svc.ConfidentialityScore), clampCIA(svc.IntegrityScore), clampCIA(svc.AvailabilityScore)
	}

	var sums [3]float64
	var totalWeight float64

	for _, r := range risks {
		weight := (r.Severity * r.Likelihood) / 25
		if weight <= 0 {
			weight = 0.04 // floor so zero-rated risks still register
		}
		emphasis, ok := ciaContribution[r.Category]
		if !ok {
			emphasis = [3]float64{0.5, 0.5, 0.5}
		}

		base := r.CompositeScore / 10 // 0-100 score to 0-10 contribution
		for i := 0; i < 3; i++ {
			sums[i] += base * emphasis[i] * weight
		}
		totalWeight += weight
	}

	var dims [3]int
	for i := 0; i < 3; i++ {
		dims[i] = clampCIA(int(math.Round(sums[i] / totalWeight)))
	}
	return dims[0], dims[1], dims[2]
}

func clampCIA(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// ciaFactor projects the 1-10 CIA sub-scores onto the 0-100 factor scale.
func ciaFactor(conf, integ, avail int) float64 {
	return float64(conf+integ+avail) / 30 * 100
}

func dependencyFactor(propagated []propagatedRisk) float64 {
	if len(propagated) == 0 {
		return 0
	}
	var sum float64
	for _, p := range propagated {
		sum += p.risk.CompositeScore * p.edgeFactor * p.risk.Weight
	}
	return clamp(sum/float64(len(propagated)), 0, 100)
}

// correlationFactor is the association-weighted mean of the direct risks'
// composite scores.
func correlationFactor(direct []store.AssociatedRisk) float64 {
	if len(direct) == 0 {
		return 0
	}
	var sum, weights float64
	for _, r := range direct {
		w := r.Weight
		if w <= 0 {
			w = 1
		}
		sum += r.CompositeScore * w
		weights += w
	}
	return clamp(sum/weights, 0, 100)
}

// CriticalityProfile fixes the business and technical requirement factors
// for each declared criticality level.
type CriticalityProfile struct {
	RTOHours       float64
	RPOHours       float64
	SLATargetPct   float64
	BusinessImpact float64
	TechnicalFit   float64
}

var criticalityProfiles = map[models.CriticalityLevel]CriticalityProfile{
	models.CriticalityCritical: {RTOHours: 1, RPOHours: 0.25, SLATargetPct: 99.99, BusinessImpact: 90, TechnicalFit: 95},
	models.CriticalityHigh:     {RTOHours: 4, RPOHours: 1, SLATargetPct: 99.9, BusinessImpact: 70, TechnicalFit: 80},
	models.CriticalityMedium:   {RTOHours: 24, RPOHours: 4, SLATargetPct: 99.5, BusinessImpact: 50, TechnicalFit: 60},
	models.CriticalityLow:      {RTOHours: 72, RPOHours: 24, SLATargetPct: 99.0, BusinessImpact: 30, TechnicalFit: 40},
}

// ProfileFor returns the requirement profile for a criticality level,
// defaulting to medium for unrecognized values.
func ProfileFor(level models.CriticalityLevel) CriticalityProfile {
	if p, ok := criticalityProfiles[level]; ok {
		return p
	}
	return criticalityProfiles[models.CriticalityMedium]
}

func businessImpact(level models.CriticalityLevel) float64 {
	return ProfileFor(level).BusinessImpact
}

func technicalFit(level models.CriticalityLevel) float64 {
	return ProfileFor(level).TechnicalFit
}

// historicalPattern scores recent volatility: the more recorded increases,
// the higher the pattern factor.
func historicalPattern(history []models.ScoreHistory) float64 {
	if len(history) == 0 {
		return 0
	}
	increasing := 0
	for _, h := range history {
		if h.Trend == models.TrendIncreasing {
			increasing++
		}
	}
	return float64(increasing) / float64(len(history)) * 100
}

func trendFor(current, previous float64) models.RiskTrend {
	delta := current - previous
	switch {
	case delta > trendBand:
		return models.TrendIncreasing
	case delta < -trendBand:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
