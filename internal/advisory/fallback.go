package advisory

import (
	"context"
	"math"
	"math/rand"
)

// FallbackConfidence is the fixed confidence reported by the rule-based
// predictor, keeping the ML blend weighted toward the algorithmic score
// when the primary advisor is unavailable.
const FallbackConfidence = 0.6

// RulePredictor is the always-available rule-based predictor. It scores the
// feature vector with fixed weights and adds a small bounded noise term so
// repeated fallback predictions do not collapse to identical values. Tests
// construct it with a seeded source or with noise disabled.
type RulePredictor struct {
	rng          *rand.Rand
	noiseEnabled bool
}

func NewRulePredictor() *RulePredictor {
	return &RulePredictor{
		rng:          rand.New(rand.NewSource(rand.Int63())),
		noiseEnabled: true,
	}
}

// NewDeterministicRulePredictor returns a predictor with the noise term
// disabled, for tests and reproducible runs.
func NewDeterministicRulePredictor() *RulePredictor {
	return &RulePredictor{noiseEnabled: false}
}

// NewSeededRulePredictor returns a predictor with noise driven by the given
// seed.
func NewSeededRulePredictor(seed int64) *RulePredictor {
	return &RulePredictor{
		rng:          rand.New(rand.NewSource(seed)),
		noiseEnabled: true,
	}
}

func (p *RulePredictor) Predict(_ context.Context, features FeatureVector) (*Prediction, error) {
	score := features.CIAScore*0.30 +
		features.DependencyImpact*0.20 +
		features.CorrelationImpact*0.25 +
		features.BusinessImpact*0.15 +
		features.TechnicalFit*0.05 +
		features.HistoricalPattern*0.05

	// Active risk pressure: each high-confidence risk nudges the prediction
	// up, saturating at +10.
	score += math.Min(float64(features.HighConfidenceRisk)*2.5, 10)

	if p.noiseEnabled {
		score += p.rng.Float64()*4 - 2
	}

	score = math.Max(0, math.Min(score, 100))

	return &Prediction{
		Score:      score,
		Confidence: FallbackConfidence,
		Reasoning:  "rule-based fallback",
	}, nil
}
