package notify

import (
	"strings"
	"testing"

	"github.com/aria5/riskcore/internal/models"
)

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		magnitude float64
		expected  models.EventPriority
	}{
		{"high score and large swing", 85, 25, models.PriorityCritical},
		{"exactly at critical bars", 80, 20, models.PriorityCritical},
		{"high score small swing", 85, 5, models.PriorityHigh},
		{"moderate score large swing", 60, 18, models.PriorityHigh},
		{"score at high bar", 70, 5, models.PriorityHigh},
		{"mid score mid swing", 55, 5, models.PriorityMedium},
		{"low score notable swing", 30, 12, models.PriorityMedium},
		{"quiet change", 30, 5, models.PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriorityFor(tt.score, tt.magnitude); got != tt.expected {
				t.Errorf("PriorityFor(%f, %f) = %s, expected %s", tt.score, tt.magnitude, got, tt.expected)
			}
		})
	}
}

func TestShouldNotify(t *testing.T) {
	s := NewService(Config{}, nil)

	tests := []struct {
		name     string
		priority models.EventPriority
		min      models.EventPriority
		expected bool
	}{
		{"critical always clears", models.PriorityCritical, models.PriorityHigh, true},
		{"equal clears", models.PriorityHigh, models.PriorityHigh, true},
		{"below does not", models.PriorityMedium, models.PriorityHigh, false},
		{"no minimum means everything", models.PriorityLow, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.shouldNotify(tt.priority, tt.min); got != tt.expected {
				t.Errorf("shouldNotify(%s, %s) = %v, expected %v", tt.priority, tt.min, got, tt.expected)
			}
		})
	}
}

func TestDigestNotification_Priority(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		expected models.EventPriority
	}{
		{"healthy", 99.0, models.PriorityLow},
		{"slipping", 92.0, models.PriorityMedium},
		{"breached", 75.0, models.PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notif := digestNotification(SLADigest{ComplianceRate: tt.rate, TotalEvents: 100, WindowHours: 24})
			if notif.Priority != tt.expected {
				t.Errorf("priority at %.1f%% = %s, expected %s", tt.rate, notif.Priority, tt.expected)
			}
		})
	}
}

func TestDigestNotification_HighRiskDependents(t *testing.T) {
	pairs := []string{"checkout depends on payments", "ledger depends on payments"}
	notif := digestNotification(SLADigest{
		ComplianceRate:     98.0,
		TotalEvents:        40,
		WindowHours:        24,
		HighRiskDependents: pairs,
	})

	got, ok := notif.Data["high_risk_dependents"].([]string)
	if !ok || len(got) != 2 {
		t.Fatalf("high_risk_dependents = %v, expected both pairs", notif.Data["high_risk_dependents"])
	}
	if !strings.Contains(notif.Message, "2 services depend on high-risk services") {
		t.Errorf("message %q should call out the dependent count", notif.Message)
	}

	bare := digestNotification(SLADigest{ComplianceRate: 98.0, TotalEvents: 40, WindowHours: 24})
	if _, ok := bare.Data["high_risk_dependents"]; ok {
		t.Error("digest without dependents must not carry an empty entry")
	}
}
