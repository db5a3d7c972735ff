package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/threatintel"
)

type fakeIntel struct {
	correlations []threatintel.Correlation
	err          error
}

func (f *fakeIntel) Correlate(_ context.Context, _, _ []string) ([]threatintel.Correlation, error) {
	return f.correlations, f.err
}

func securitySignal(p models.SecuritySignal) *models.RiskSignal {
	return &models.RiskSignal{Category: models.CategorySecurity, Source: "test", Payload: p}
}

func TestClassify_SecurityKEV(t *testing.T) {
	c := NewClassifier(nil, nil)

	trig := c.Classify(context.Background(), securitySignal(models.SecuritySignal{
		Title:         "Exploited CVE on edge gateway",
		SeverityScore: 60,
		KEVMatch:      true,
	}))

	if trig.Confidence != 0.95 {
		t.Errorf("KEV confidence = %f, expected 0.95", trig.Confidence)
	}
	if !trig.KEVMatch {
		t.Error("expected KEV flag to survive classification")
	}
	if !trig.AutoApproveEligible {
		t.Error("KEV match should be auto-approve eligible")
	}
}

func TestClassify_SecurityRules(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		name          string
		payload       models.SecuritySignal
		minConfidence float64
		autoEligible  bool
	}{
		{"baseline detection", models.SecuritySignal{SeverityScore: 30}, 0.6, false},
		{"high severity", models.SecuritySignal{SeverityScore: 80}, 0.85, true},
		{"corroborating indicators", models.SecuritySignal{SeverityScore: 30, IndicatorCount: 3}, 0.80, false},
		{"kill chain coverage", models.SecuritySignal{SeverityScore: 30, KillChainCoverage: 0.7}, 0.85, true},
		{"data exfiltration", models.SecuritySignal{SeverityScore: 30, DataExfiltration: true}, 0.95, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := c.Classify(context.Background(), securitySignal(tt.payload))
			if trig.Confidence < tt.minConfidence {
				t.Errorf("confidence = %f, expected >= %f", trig.Confidence, tt.minConfidence)
			}
			if trig.AutoApproveEligible != tt.autoEligible {
				t.Errorf("auto-approve eligible = %v, expected %v", trig.AutoApproveEligible, tt.autoEligible)
			}
			if trig.Category != models.CategorySecurity {
				t.Errorf("category = %s, expected security", trig.Category)
			}
		})
	}
}

func TestClassify_IntelRaisesConfidence(t *testing.T) {
	intel := &fakeIntel{correlations: []threatintel.Correlation{
		{ActiveExploitation: true, Confidence: 0.9},
	}}
	c := NewClassifier(intel, nil)

	trig := c.Classify(context.Background(), securitySignal(models.SecuritySignal{
		SeverityScore: 30,
		ThreatActors:  []string{"FIN7"},
	}))

	if trig.Confidence < 0.9 {
		t.Errorf("active exploitation should raise confidence to 0.9, got %f", trig.Confidence)
	}
	if !trig.AutoApproveEligible {
		t.Error("correlated active exploitation should be auto-approve eligible")
	}
}

func TestClassify_IntelFailureDegradesGracefully(t *testing.T) {
	intel := &fakeIntel{err: errors.New("upstream timeout")}
	c := NewClassifier(intel, nil)

	trig := c.Classify(context.Background(), securitySignal(models.SecuritySignal{
		SeverityScore: 80,
		ThreatActors:  []string{"FIN7"},
	}))

	// Rule-derived confidence survives the enrichment failure.
	if trig.Confidence != 0.85 {
		t.Errorf("confidence = %f, expected rule-derived 0.85", trig.Confidence)
	}
}

func TestClassify_IntelNeverLowersConfidence(t *testing.T) {
	// A weak correlation must not pull a strong rule-based trigger down.
	intel := &fakeIntel{correlations: []threatintel.Correlation{
		{ActiveExploitation: false, TrendingUp: false, Confidence: 0.1},
	}}
	c := NewClassifier(intel, nil)

	trig := c.Classify(context.Background(), securitySignal(models.SecuritySignal{
		SeverityScore:    30,
		DataExfiltration: true,
		ThreatActors:     []string{"FIN7"},
	}))

	if trig.Confidence < 0.95 {
		t.Errorf("confidence dropped to %f after enrichment", trig.Confidence)
	}
}

func TestClassify_Operational(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		name          string
		payload       models.OperationalSignal
		minConfidence float64
		autoEligible  bool
	}{
		{"one-off incident", models.OperationalSignal{ImpactScore: 40}, 0.7, false},
		{"recurring incident", models.OperationalSignal{ImpactScore: 40, RecurrenceCount: 2}, 0.8, false},
		{"chronic incident", models.OperationalSignal{ImpactScore: 40, RecurrenceCount: 3}, 0.8, true},
		{"failed change with impact", models.OperationalSignal{ImpactScore: 40, FailedChange: true, BusinessImpactHours: 4}, 0.85, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := c.Classify(context.Background(), &models.RiskSignal{
				Category: models.CategoryOperational,
				Payload:  tt.payload,
			})
			if trig.Confidence < tt.minConfidence {
				t.Errorf("confidence = %f, expected >= %f", trig.Confidence, tt.minConfidence)
			}
			if trig.AutoApproveEligible != tt.autoEligible {
				t.Errorf("auto-approve eligible = %v, expected %v", trig.AutoApproveEligible, tt.autoEligible)
			}
		})
	}
}

func TestClassify_Compliance(t *testing.T) {
	c := NewClassifier(nil, nil)

	trig := c.Classify(context.Background(), &models.RiskSignal{
		Category: models.CategoryCompliance,
		Payload: models.ComplianceSignal{
			ImpactScore:     60,
			AuditFinding:    true,
			ControlDisabled: true,
			CriticalAsset:   true,
		},
	})

	if trig.Confidence != 0.9 {
		t.Errorf("disabled control on critical asset confidence = %f, expected 0.9", trig.Confidence)
	}
	if !trig.AutoApproveEligible {
		t.Error("disabled control on critical asset should be auto-approve eligible")
	}
}

func TestClassify_ComplianceCoverageGap(t *testing.T) {
	c := NewClassifier(nil, nil)

	trig := c.Classify(context.Background(), &models.RiskSignal{
		Category: models.CategoryCompliance,
		Payload: models.ComplianceSignal{
			ImpactScore:    50,
			CoverageGapPct: 35,
			RegulatoryRisk: true,
		},
	})

	if trig.Confidence < 0.85 {
		t.Errorf("coverage gap confidence = %f, expected >= 0.85", trig.Confidence)
	}
	if !trig.AutoApproveEligible {
		t.Error("regulatory coverage gap should be auto-approve eligible")
	}
}

func TestClassify_Strategic(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		name         string
		payload      models.StrategicSignal
		autoEligible bool
	}{
		{"small vendor breach", models.StrategicSignal{ImpactScore: 40, VendorBreach: true, FinancialImpactUSD: 50_000}, false},
		{"material vendor breach", models.StrategicSignal{ImpactScore: 40, VendorBreach: true, FinancialImpactUSD: 2_000_000}, true},
		{"distant mandate", models.StrategicSignal{ImpactScore: 40, RegulatoryMandate: true, TimelineDays: 365}, false},
		{"imminent mandate", models.StrategicSignal{ImpactScore: 40, RegulatoryMandate: true, TimelineDays: 60}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := c.Classify(context.Background(), &models.RiskSignal{
				Category: models.CategoryStrategic,
				Payload:  tt.payload,
			})
			if trig.AutoApproveEligible != tt.autoEligible {
				t.Errorf("auto-approve eligible = %v, expected %v", trig.AutoApproveEligible, tt.autoEligible)
			}
		})
	}
}

func TestUrgencyFor(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		magnitude float64
		expected  models.Urgency
	}{
		{95, models.UrgencyCritical},
		{90, models.UrgencyCritical},
		{75, models.UrgencyHigh},
		{70, models.UrgencyHigh},
		{50, models.UrgencyMedium},
		{40, models.UrgencyMedium},
		{10, models.UrgencyLow},
	}

	for _, tt := range tests {
		if got := c.urgencyFor(tt.magnitude); got != tt.expected {
			t.Errorf("urgencyFor(%f) = %s, expected %s", tt.magnitude, got, tt.expected)
		}
	}
}

func TestTriggerRaise_NeverLowers(t *testing.T) {
	trig := &Trigger{Confidence: 0.9}
	trig.raise(0.5)
	if trig.Confidence != 0.9 {
		t.Errorf("raise lowered confidence to %f", trig.Confidence)
	}
	trig.raise(0.95)
	if trig.Confidence != 0.95 {
		t.Errorf("raise failed to lift confidence, got %f", trig.Confidence)
	}
}

func TestClassify_UnknownPayload(t *testing.T) {
	c := NewClassifier(nil, nil)

	trig := c.Classify(context.Background(), &models.RiskSignal{Category: models.CategorySecurity})

	if trig.Confidence != 0.5 {
		t.Errorf("unknown payload confidence = %f, expected 0.5", trig.Confidence)
	}
	if trig.Urgency != models.UrgencyLow {
		t.Errorf("unknown payload urgency = %s, expected low", trig.Urgency)
	}
}
