package decision

import "github.com/aria5/riskcore/internal/models"

// Verdict is the decision engine's classification of a scored risk.
type Verdict string

const (
	VerdictAutoApprove Verdict = "auto_approve"
	VerdictPending     Verdict = "pending"
	VerdictSuppress    Verdict = "suppress"
)

// Thresholds is the configurable decision surface.
type Thresholds struct {
	AutoApproveConfidence float64 // confidence floor for auto-approve
	AutoApproveComposite  float64 // composite floor for auto-approve
	PendingConfidence     float64 // confidence floor for pending review
	PendingComposite      float64 // composite floor for pending review
	SuppressConfidence    float64 // below this confidence, suppress
	SuppressComposite     float64 // below this composite, suppress
	KEVCriticalityBar     float64 // criticality index above which a KEV trigger shortcuts
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApproveConfidence: 0.85,
		AutoApproveComposite:  80,
		PendingConfidence:     0.50,
		PendingComposite:      50,
		SuppressConfidence:    0.50,
		SuppressComposite:     40,
		KEVCriticalityBar:     70,
	}
}

// Input is everything the decision depends on.
type Input struct {
	Confidence       float64
	CompositeScore   float64
	KEVMatch         bool    // known-exploited-vulnerability trigger
	CriticalityIndex float64 // service business-criticality index, 0-100
}

// Decide classifies a scored risk. Evaluation order matters: auto-approve
// first (including the KEV shortcut), then pending, then suppress, with
// pending as the manual-review default.
func Decide(in Input, t Thresholds) Verdict {
	if in.Confidence >= t.AutoApproveConfidence && in.CompositeScore >= t.AutoApproveComposite {
		return VerdictAutoApprove
	}
	if in.KEVMatch && in.CriticalityIndex > t.KEVCriticalityBar {
		return VerdictAutoApprove
	}
	if in.Confidence >= t.PendingConfidence && in.CompositeScore >= t.PendingComposite {
		return VerdictPending
	}
	if in.Confidence < t.SuppressConfidence || in.CompositeScore < t.SuppressComposite {
		return VerdictSuppress
	}
	return VerdictPending
}

// InitialState maps a verdict onto the risk's initial lifecycle state.
// Suppressed risks receive no persistence beyond the audit entry the
// pipeline writes.
func InitialState(v Verdict) models.RiskState {
	switch v {
	case VerdictAutoApprove:
		return models.RiskStateActive
	case VerdictSuppress:
		return models.RiskStateSuppressed
	default:
		return models.RiskStateDraft
	}
}

// ApprovalStatus maps a verdict onto the risk's approval status.
func ApprovalStatus(v Verdict) models.ApprovalStatus {
	switch v {
	case VerdictAutoApprove:
		return models.ApprovalApproved
	case VerdictSuppress:
		return models.ApprovalRejected
	default:
		return models.ApprovalPending
	}
}
