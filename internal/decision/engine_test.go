package decision

import (
	"testing"

	"github.com/aria5/riskcore/internal/models"
)

func TestDecide(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name     string
		in       Input
		expected Verdict
	}{
		{"high confidence and score", Input{Confidence: 0.85, CompositeScore: 80}, VerdictAutoApprove},
		{"confidence just below auto bar", Input{Confidence: 0.84, CompositeScore: 80}, VerdictPending},
		{"score just below auto bar", Input{Confidence: 0.85, CompositeScore: 79.9}, VerdictPending},
		{"solid pending", Input{Confidence: 0.6, CompositeScore: 60}, VerdictPending},
		{"low confidence suppressed", Input{Confidence: 0.3, CompositeScore: 60}, VerdictSuppress},
		{"low score suppressed", Input{Confidence: 0.6, CompositeScore: 35}, VerdictSuppress},
		{"both low suppressed", Input{Confidence: 0.3, CompositeScore: 35}, VerdictSuppress},
		{"kev on critical service shortcuts", Input{Confidence: 0.6, CompositeScore: 60, KEVMatch: true, CriticalityIndex: 90}, VerdictAutoApprove},
		{"kev on low-criticality service does not", Input{Confidence: 0.6, CompositeScore: 60, KEVMatch: true, CriticalityIndex: 50}, VerdictPending},
		{"kev at the bar exactly does not shortcut", Input{Confidence: 0.6, CompositeScore: 60, KEVMatch: true, CriticalityIndex: 70}, VerdictPending},
		{"kev cannot rescue a suppressible signal on low criticality", Input{Confidence: 0.2, CompositeScore: 30, KEVMatch: true, CriticalityIndex: 50}, VerdictSuppress},
		{"kev shortcut beats suppression", Input{Confidence: 0.2, CompositeScore: 30, KEVMatch: true, CriticalityIndex: 90}, VerdictAutoApprove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.in, th); got != tt.expected {
				t.Errorf("Decide(%+v) = %s, expected %s", tt.in, got, tt.expected)
			}
		})
	}
}

func TestDecide_DefaultIsPending(t *testing.T) {
	// Confidence above the suppress bar but below pending minimums falls
	// through to manual review, never silent suppression.
	th := DefaultThresholds()
	in := Input{Confidence: 0.55, CompositeScore: 45}

	if got := Decide(in, th); got != VerdictPending {
		t.Errorf("Decide(%+v) = %s, expected pending default", in, got)
	}
}

func TestInitialState(t *testing.T) {
	tests := []struct {
		verdict  Verdict
		expected models.RiskState
	}{
		{VerdictAutoApprove, models.RiskStateActive},
		{VerdictSuppress, models.RiskStateSuppressed},
		{VerdictPending, models.RiskStateDraft},
	}

	for _, tt := range tests {
		if got := InitialState(tt.verdict); got != tt.expected {
			t.Errorf("InitialState(%s) = %s, expected %s", tt.verdict, got, tt.expected)
		}
	}
}

func TestApprovalStatus(t *testing.T) {
	tests := []struct {
		verdict  Verdict
		expected models.ApprovalStatus
	}{
		{VerdictAutoApprove, models.ApprovalApproved},
		{VerdictSuppress, models.ApprovalRejected},
		{VerdictPending, models.ApprovalPending},
	}

	for _, tt := range tests {
		if got := ApprovalStatus(tt.verdict); got != tt.expected {
			t.Errorf("ApprovalStatus(%s) = %s, expected %s", tt.verdict, got, tt.expected)
		}
	}
}
