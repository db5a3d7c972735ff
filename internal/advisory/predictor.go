package advisory

import "context"

// FeatureVector is the scoring feature set shared by the algorithmic engine
// and the predictive advisors.
type FeatureVector struct {
	ServiceName        string  `json:"service_name"`
	Criticality        string  `json:"criticality"`
	CIAScore           float64 `json:"cia_score"`           // 0-100
	DependencyImpact   float64 `json:"dependency_impact"`   // 0-100
	CorrelationImpact  float64 `json:"correlation_impact"`  // 0-100
	BusinessImpact     float64 `json:"business_impact"`     // 0-100
	TechnicalFit       float64 `json:"technical_fit"`       // 0-100
	HistoricalPattern  float64 `json:"historical_pattern"`  // 0-100
	ActiveRiskCount    int     `json:"active_risk_count"`
	HighConfidenceRisk int     `json:"high_confidence_risk_count"`
}

// Prediction is an advisory (score, confidence) pair. Reasoning is free text
// retained for the audit trail.
type Prediction struct {
	Score      float64 `json:"score"`      // 0-100
	Confidence float64 `json:"confidence"` // 0-1
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Predictor produces a risk-score prediction for a feature vector. The
// scoring engine blends the prediction with its algorithmic score, weighted
// by prediction confidence. Implementations must never block scoring: the
// resilient wrapper falls back to the rule-based predictor on any failure.
type Predictor interface {
	Predict(ctx context.Context, features FeatureVector) (*Prediction, error)
}
