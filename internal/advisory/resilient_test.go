package advisory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubPredictor struct {
	pred  *Prediction
	err   error
	calls int
}

func (s *stubPredictor) Predict(_ context.Context, _ FeatureVector) (*Prediction, error) {
	s.calls++
	return s.pred, s.err
}

func TestResilient_PrimarySucceeds(t *testing.T) {
	primary := &stubPredictor{pred: &Prediction{Score: 77, Confidence: 0.9}}
	fallback := &stubPredictor{pred: &Prediction{Score: 50, Confidence: FallbackConfidence}}
	r := NewResilient(primary, fallback, ResilientConfig{}, nil)

	pred, err := r.Predict(context.Background(), FeatureVector{})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Score != 77 {
		t.Errorf("expected the primary's prediction, got score %f", pred.Score)
	}
	if fallback.calls != 0 {
		t.Error("fallback should not be consulted when the primary succeeds")
	}
}

func TestResilient_FallsBackOnError(t *testing.T) {
	primary := &stubPredictor{err: errors.New("model overloaded")}
	fallback := &stubPredictor{pred: &Prediction{Score: 50, Confidence: FallbackConfidence}}
	r := NewResilient(primary, fallback, ResilientConfig{}, nil)

	pred, err := r.Predict(context.Background(), FeatureVector{})
	if err != nil {
		t.Fatalf("Predict must never surface an error, got %v", err)
	}
	if pred.Score != 50 {
		t.Errorf("expected the fallback's prediction, got score %f", pred.Score)
	}
	if pred.Confidence != FallbackConfidence {
		t.Errorf("fallback confidence = %f, expected %f", pred.Confidence, FallbackConfidence)
	}
}

func TestResilient_NilPrimaryUsesFallback(t *testing.T) {
	fallback := &stubPredictor{pred: &Prediction{Score: 42, Confidence: FallbackConfidence}}
	r := NewResilient(nil, fallback, ResilientConfig{}, nil)

	pred, err := r.Predict(context.Background(), FeatureVector{})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Score != 42 {
		t.Errorf("expected fallback score 42, got %f", pred.Score)
	}
}

func TestResilient_BreakerOpensAfterMaxFailures(t *testing.T) {
	primary := &stubPredictor{err: errors.New("down")}
	fallback := &stubPredictor{pred: &Prediction{Score: 50, Confidence: FallbackConfidence}}
	r := NewResilient(primary, fallback, ResilientConfig{MaxFailures: 3, Cooldown: time.Hour}, nil)

	for i := 0; i < 5; i++ {
		if _, err := r.Predict(context.Background(), FeatureVector{}); err != nil {
			t.Fatalf("Predict: %v", err)
		}
	}

	// Three failures trip the breaker; the remaining calls skip the primary.
	if primary.calls != 3 {
		t.Errorf("primary called %d times, expected 3 before the breaker opened", primary.calls)
	}
	if fallback.calls != 5 {
		t.Errorf("fallback called %d times, expected 5", fallback.calls)
	}
}

func TestResilient_SuccessResetsBreaker(t *testing.T) {
	primary := &stubPredictor{err: errors.New("flaky")}
	fallback := &stubPredictor{pred: &Prediction{Score: 50, Confidence: FallbackConfidence}}
	r := NewResilient(primary, fallback, ResilientConfig{MaxFailures: 3, Cooldown: time.Hour}, nil)

	// Two failures, then recovery.
	r.Predict(context.Background(), FeatureVector{})
	r.Predict(context.Background(), FeatureVector{})
	primary.err = nil
	primary.pred = &Prediction{Score: 80, Confidence: 0.9}

	pred, _ := r.Predict(context.Background(), FeatureVector{})
	if pred.Score != 80 {
		t.Fatalf("expected primary prediction after recovery, got %f", pred.Score)
	}

	// The earlier failures are forgotten: two more failures stay under the
	// threshold and each still reaches the primary.
	primary.err = errors.New("flaky again")
	r.Predict(context.Background(), FeatureVector{})
	r.Predict(context.Background(), FeatureVector{})
	if primary.calls != 5 {
		t.Errorf("primary called %d times, expected 5 (breaker must have reset)", primary.calls)
	}
}

func TestRulePredictor_DeterministicWithoutNoise(t *testing.T) {
	p := NewDeterministicRulePredictor()
	features := FeatureVector{
		CIAScore:           60,
		DependencyImpact:   40,
		CorrelationImpact:  70,
		BusinessImpact:     90,
		TechnicalFit:       95,
		HistoricalPattern:  20,
		HighConfidenceRisk: 2,
	}

	a, err := p.Predict(context.Background(), features)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	b, err := p.Predict(context.Background(), features)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if a.Score != b.Score {
		t.Errorf("deterministic predictor varied: %f vs %f", a.Score, b.Score)
	}
	if a.Confidence != FallbackConfidence {
		t.Errorf("confidence = %f, expected %f", a.Confidence, FallbackConfidence)
	}
}

func TestRulePredictor_SeededReproducible(t *testing.T) {
	features := FeatureVector{CIAScore: 50, CorrelationImpact: 50}

	a, _ := NewSeededRulePredictor(7).Predict(context.Background(), features)
	b, _ := NewSeededRulePredictor(7).Predict(context.Background(), features)

	if a.Score != b.Score {
		t.Errorf("same seed produced different scores: %f vs %f", a.Score, b.Score)
	}
}

func TestRulePredictor_ScoreClamped(t *testing.T) {
	p := NewRulePredictor()

	tests := []struct {
		name     string
		features FeatureVector
	}{
		{"all zero", FeatureVector{}},
		{"all maxed", FeatureVector{
			CIAScore:           100,
			DependencyImpact:   100,
			CorrelationImpact:  100,
			BusinessImpact:     100,
			TechnicalFit:       100,
			HistoricalPattern:  100,
			HighConfidenceRisk: 50,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				pred, err := p.Predict(context.Background(), tt.features)
				if err != nil {
					t.Fatalf("Predict: %v", err)
				}
				if pred.Score < 0 || pred.Score > 100 {
					t.Fatalf("score %f outside [0,100]", pred.Score)
				}
			}
		})
	}
}
