package models

import (
	"encoding/json"
	"fmt"
)

// SignalPayload is the tagged union over the four trigger categories. Each
// category carries its own strongly-typed payload so classification is a
// type switch rather than property probing.
type SignalPayload interface {
	Category() RiskCategory
}

// SecuritySignal carries detection-derived fields for security triggers.
type SecuritySignal struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	SeverityScore     float64  `json:"severity_score"` // 0-100
	KEVMatch          bool     `json:"kev_match"`
	DataExfiltration  bool     `json:"data_exfiltration"`
	IndicatorCount    int      `json:"indicator_count"`
	KillChainCoverage float64  `json:"kill_chain_coverage"` // 0-1
	ThreatActors      []string `json:"threat_actors,omitempty"`
	Techniques        []string `json:"techniques,omitempty"`
	Indicators        []string `json:"indicators,omitempty"`
	Vulnerabilities   []string `json:"vulnerabilities,omitempty"`
}

func (SecuritySignal) Category() RiskCategory { return CategorySecurity }

// OperationalSignal describes incident recurrence and change failures.
type OperationalSignal struct {
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	RecurrenceCount     int     `json:"recurrence_count"`
	FailedChange        bool    `json:"failed_change"`
	BusinessImpactHours float64 `json:"business_impact_hours"`
	ImpactScore         float64 `json:"impact_score"` // 0-100
}

func (OperationalSignal) Category() RiskCategory { return CategoryOperational }

// ComplianceSignal describes control-coverage gaps and audit findings.
type ComplianceSignal struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	CoverageGapPct  float64 `json:"coverage_gap_pct"` // 0-100
	RegulatoryRisk  bool    `json:"regulatory_risk"`
	AuditFinding    bool    `json:"audit_finding"`
	ControlDisabled bool    `json:"control_disabled"`
	CriticalAsset   bool    `json:"critical_asset"`
	Framework       string  `json:"framework,omitempty"`
	ImpactScore     float64 `json:"impact_score"`
}

func (ComplianceSignal) Category() RiskCategory { return CategoryCompliance }

// StrategicSignal describes vendor and regulatory exposure.
type StrategicSignal struct {
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	VendorBreach       bool    `json:"vendor_breach"`
	RegulatoryMandate  bool    `json:"regulatory_mandate"`
	FinancialImpactUSD float64 `json:"financial_impact_usd"`
	TimelineDays       int     `json:"timeline_days"`
	ImpactScore        float64 `json:"impact_score"`
}

func (StrategicSignal) Category() RiskCategory { return CategoryStrategic }

// RiskSignal is an ephemeral, normalized description of why a new risk
// candidate should be considered. Consumed once per decision; only the audit
// trail retains it.
type RiskSignal struct {
	Category RiskCategory
	Source   string
	Payload  SignalPayload
}

// DecodeSignal parses an event payload into a RiskSignal. The payload must
// carry a "category" tag naming one of the four trigger categories.
func DecodeSignal(source string, payload JSONB) (*RiskSignal, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	cat, _ := payload["category"].(string)

	var sp SignalPayload
	switch RiskCategory(cat) {
	case CategorySecurity:
		var s SecuritySignal
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding security signal: %w", err)
		}
		sp = s
	case CategoryOperational:
		var s OperationalSignal
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding operational signal: %w", err)
		}
		sp = s
	case CategoryCompliance:
		var s ComplianceSignal
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding compliance signal: %w", err)
		}
		sp = s
	case CategoryStrategic:
		var s StrategicSignal
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding strategic signal: %w", err)
		}
		sp = s
	default:
		return nil, fmt.Errorf("unknown signal category: %q", cat)
	}

	return &RiskSignal{
		Category: sp.Category(),
		Source:   source,
		Payload:  sp,
	}, nil
}
