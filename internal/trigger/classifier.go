package trigger

import (
	"context"
	"log/slog"
	"math"

	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/threatintel"
)

// Trigger is the normalized, confidence-scored output of classification.
type Trigger struct {
	Category            models.RiskCategory `json:"category"`
	Confidence          float64             `json:"confidence"`
	Urgency             models.Urgency      `json:"urgency"`
	AutoApproveEligible bool                `json:"auto_approve_eligible"`
	KEVMatch            bool                `json:"kev_match"`
	Reasons             []string            `json:"reasons,omitempty"`
}

// Correlator is the slice of the threat-intel client the classifier needs.
type Correlator interface {
	Correlate(ctx context.Context, threats, vulnerabilities []string) ([]threatintel.Correlation, error)
}

// UrgencyThresholds maps severity/impact magnitude to urgency. The exact
// cut-offs are tunable and not load-bearing for decision correctness.
type UrgencyThresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

func DefaultUrgencyThresholds() UrgencyThresholds {
	return UrgencyThresholds{Critical: 90, High: 70, Medium: 40}
}

type Classifier struct {
	intel   Correlator
	urgency UrgencyThresholds
	logger  *slog.Logger
}

func NewClassifier(intel Correlator, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		intel:   intel,
		urgency: DefaultUrgencyThresholds(),
		logger:  logger,
	}
}

// Classify maps a raw signal to a trigger descriptor. Classification never
// fails: external enrichment errors degrade to the rule-derived confidence.
func (c *Classifier) Classify(ctx context.Context, signal *models.RiskSignal) *Trigger {
	switch p := signal.Payload.(type) {
	case models.SecuritySignal:
		return c.classifySecurity(ctx, p)
	case models.OperationalSignal:
		return c.classifyOperational(p)
	case models.ComplianceSignal:
		return c.classifyCompliance(p)
	case models.StrategicSignal:
		return c.classifyStrategic(p)
	default:
		return &Trigger{
			Category:   signal.Category,
			Confidence: 0.5,
			Urgency:    models.UrgencyLow,
			Reasons:    []string{"unrecognized payload"},
		}
	}
}

func (c *Classifier) classifySecurity(ctx context.Context, p models.SecuritySignal) *Trigger {
	t := &Trigger{
		Category:   models.CategorySecurity,
		Confidence: 0.6,
		Urgency:    c.urgencyFor(p.SeverityScore),
	}

	if p.KEVMatch {
		t.Confidence = 0.95
		t.AutoApproveEligible = true
		t.KEVMatch = true
		t.Reasons = append(t.Reasons, "known exploited vulnerability")
	}
	if p.SeverityScore >= 75 {
		t.raise(0.85)
		t.AutoApproveEligible = true
		t.Reasons = append(t.Reasons, "high-severity detection")
	}
	if p.IndicatorCount >= 3 {
		t.raise(0.80)
		t.Reasons = append(t.Reasons, "corroborating indicators")
	}
	if p.KillChainCoverage >= 0.6 {
		t.raise(0.85)
		t.AutoApproveEligible = true
		t.Reasons = append(t.Reasons, "kill-chain coverage")
	}
	if p.DataExfiltration {
		t.Confidence = 0.95
		t.AutoApproveEligible = true
		t.Reasons = append(t.Reasons, "verified data exfiltration")
	}

	c.enrichFromIntel(ctx, p, t)

	return t
}

// enrichFromIntel raises confidence when the correlation service confirms
// active exploitation. Absence or timeout leaves the rule-derived trigger
// untouched.
func (c *Classifier) enrichFromIntel(ctx context.Context, p models.SecuritySignal, t *Trigger) {
	if c.intel == nil || (len(p.ThreatActors) == 0 && len(p.Vulnerabilities) == 0) {
		return
	}

	correlations, err := c.intel.Correlate(ctx, p.ThreatActors, p.Vulnerabilities)
	if err != nil {
		c.logger.Warn("threat-intel correlation unavailable, using rule-based confidence",
			"error", err)
		return
	}

	for _, corr := range correlations {
		if corr.ActiveExploitation && corr.Confidence >= 0.8 {
			t.raise(0.9)
			t.AutoApproveEligible = true
			t.Reasons = append(t.Reasons, "correlated active exploitation")
		} else if corr.TrendingUp {
			t.raise(math.Min(t.Confidence+0.05, 0.9))
		}
	}
}

func (c *Classifier) classifyOperational(p models.OperationalSignal) *Trigger {
	t := &Trigger{
		Category:   models.CategoryOperational,
		Confidence: 0.7,
		Urgency:    c.urgencyFor(p.ImpactScore),
	}

	if p.RecurrenceCount >= 2 {
		t.raise(0.8)
		t.Reasons = append(t.Reasons, "recurring incident")
	}
	if p.RecurrenceCount >= 3 {
		t.AutoApproveEligible = true
	}
	if p.FailedChange && p.BusinessImpactHours > 1 {
		t.raise(0.85)
		t.AutoApproveEligible = true
		t.Reasons = append(t.Reasons, "failed change with business impact")
	}

	return t
}

func (c *Classifier) classifyCompliance(p models.ComplianceSignal) *Trigger {
	t := &Trigger{
		Category:   models.CategoryCompliance,
		Confidence: 0.8,
		Urgency:    c.urgencyFor(p.ImpactScore),
	}

	if p.CoverageGapPct > 20 {
		t.raise(0.85)
		t.Reasons = append(t.Reasons, "coverage gap")
		if p.RegulatoryRisk {
			t.AutoApproveEligible = true
		}
	}
	if p.AuditFinding && p.ControlDisabled && p.CriticalAsset {
		t.Confidence = 0.9
		t.AutoApproveEligible = true
		t.Reasons = append(t.Reasons, "disabled control on critical asset")
	}

	return t
}

func (c *Classifier) classifyStrategic(p models.StrategicSignal) *Trigger {
	t := &Trigger{
		Category:   models.CategoryStrategic,
		Confidence: 0.6,
		Urgency:    c.urgencyFor(p.ImpactScore),
	}

	if p.VendorBreach {
		t.raise(0.8)
		t.Reasons = append(t.Reasons, "vendor breach")
		if p.FinancialImpactUSD > 1_000_000 {
			t.AutoApproveEligible = true
		}
	}
	if p.RegulatoryMandate {
		t.raise(0.85)
		t.Reasons = append(t.Reasons, "regulatory mandate")
		if p.TimelineDays > 0 && p.TimelineDays < 90 {
			t.AutoApproveEligible = true
		}
	}

	return t
}

func (c *Classifier) urgencyFor(magnitude float64) models.Urgency {
	switch {
	case magnitude >= c.urgency.Critical:
		return models.UrgencyCritical
	case magnitude >= c.urgency.High:
		return models.UrgencyHigh
	case magnitude >= c.urgency.Medium:
		return models.UrgencyMedium
	default:
		return models.UrgencyLow
	}
}

// raise lifts confidence to at least v, never lowering it.
func (t *Trigger) raise(v float64) {
	if v > t.Confidence {
		t.Confidence = v
	}
}
