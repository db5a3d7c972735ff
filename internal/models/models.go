package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type CriticalityLevel string

const (
	CriticalityCritical CriticalityLevel = "critical"
	CriticalityHigh     CriticalityLevel = "high"
	CriticalityMedium   CriticalityLevel = "medium"
	CriticalityLow      CriticalityLevel = "low"
)

type RiskTrend string

const (
	TrendIncreasing RiskTrend = "increasing"
	TrendStable     RiskTrend = "stable"
	TrendDecreasing RiskTrend = "decreasing"
)

type RiskCategory string

const (
	CategorySecurity    RiskCategory = "security"
	CategoryOperational RiskCategory = "operational"
	CategoryCompliance  RiskCategory = "compliance"
	CategoryStrategic   RiskCategory = "strategic"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type RiskState string

const (
	RiskStateDraft       RiskState = "draft"
	RiskStateActive      RiskState = "active"
	RiskStateSuppressed  RiskState = "suppressed"
	RiskStateMitigated   RiskState = "mitigated"
	RiskStateAccepted    RiskState = "accepted"
	RiskStateTransferred RiskState = "transferred"
)

type DependencyType string

const (
	DependencyFunctional     DependencyType = "functional"
	DependencyData           DependencyType = "data"
	DependencyInfrastructure DependencyType = "infrastructure"
	DependencyCompliance     DependencyType = "compliance"
)

type CascadingType string

const (
	CascadingDirect      CascadingType = "direct"
	CascadingDependency  CascadingType = "dependency"
	CascadingCorrelation CascadingType = "correlation"
)

type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

type EventPriority string

const (
	PriorityCritical EventPriority = "critical"
	PriorityHigh     EventPriority = "high"
	PriorityMedium   EventPriority = "medium"
	PriorityLow      EventPriority = "low"
)

// PriorityRank orders event priorities for queue scoring. Higher is more
// urgent.
func PriorityRank(p EventPriority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// ServiceNode is a business-critical system tracked by the platform. The
// aggregate score, CIA sub-scores, and trend are mutated only by a full
// scoring recompute, never partially.
type ServiceNode struct {
	ID                   uuid.UUID        `json:"id" db:"id"`
	Name                 string           `json:"name" db:"name"`
	Criticality          CriticalityLevel `json:"criticality" db:"criticality"`
	ConfidentialityScore int              `json:"confidentiality_score" db:"confidentiality_score"`
	IntegrityScore       int              `json:"integrity_score" db:"integrity_score"`
	AvailabilityScore    int              `json:"availability_score" db:"availability_score"`
	AggregateScore       float64          `json:"aggregate_score" db:"aggregate_score"`
	RiskTrend            RiskTrend        `json:"risk_trend" db:"risk_trend"`
	TenantID             string           `json:"tenant_id" db:"tenant_id"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}

// ServiceDependencyEdge is a directed edge: ServiceID depends on
// DependsOnServiceID. The graph may contain cycles; traversal must be
// cycle-safe.
type ServiceDependencyEdge struct {
	ID                 uuid.UUID        `json:"id" db:"id"`
	ServiceID          uuid.UUID        `json:"service_id" db:"service_id"`
	DependsOnServiceID uuid.UUID        `json:"depends_on_service_id" db:"depends_on_service_id"`
	DependencyType     DependencyType   `json:"dependency_type" db:"dependency_type"`
	Criticality        CriticalityLevel `json:"criticality" db:"criticality"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
}

// PropagationFactor maps edge criticality to a factor in (0,1] applied when
// cascading a risk's score across the edge.
func (e ServiceDependencyEdge) PropagationFactor() float64 {
	switch e.Criticality {
	case CriticalityHigh, CriticalityCritical:
		return 0.8
	case CriticalityMedium:
		return 0.5
	default:
		return 0.3
	}
}

type Risk struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	ServiceID      uuid.UUID      `json:"service_id" db:"service_id"`
	Title          string         `json:"title" db:"title"`
	Description    string         `json:"description" db:"description"`
	Category       RiskCategory   `json:"category" db:"category"`
	CompositeScore float64        `json:"composite_score" db:"composite_score"`
	Confidence     float64        `json:"confidence" db:"confidence"`
	Severity       float64        `json:"severity" db:"severity"`
	Likelihood     float64        `json:"likelihood" db:"likelihood"`
	ApprovalStatus ApprovalStatus `json:"approval_status" db:"approval_status"`
	State          RiskState      `json:"state" db:"state"`
	DedupeKey      string         `json:"dedupe_key" db:"dedupe_key"`
	MergedFrom     StringArray    `json:"merged_from" db:"merged_from"`
	ThreatActors   StringArray    `json:"threat_actors" db:"threat_actors"`
	Techniques     StringArray    `json:"techniques" db:"techniques"`
	Indicators     StringArray    `json:"indicators" db:"indicators"`
	IntelSources   StringArray    `json:"intel_sources" db:"intel_sources"`
	SourceEventID  *uuid.UUID     `json:"source_event_id,omitempty" db:"source_event_id"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// CanTransition reports whether a lifecycle transition is allowed. Risks are
// never deleted, only transitioned.
func (r *Risk) CanTransition(to RiskState) bool {
	switch r.State {
	case RiskStateDraft:
		return to == RiskStateActive || to == RiskStateSuppressed
	case RiskStateActive:
		return to == RiskStateMitigated || to == RiskStateAccepted ||
			to == RiskStateTransferred || to == RiskStateSuppressed
	case RiskStateSuppressed:
		return to == RiskStateDraft || to == RiskStateActive
	default:
		return false
	}
}

// ServiceRiskAssociation links a risk to a service with a contribution
// weight. Weight multiplies the risk's composite score when computing the
// service aggregate.
type ServiceRiskAssociation struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	ServiceID        uuid.UUID     `json:"service_id" db:"service_id"`
	RiskID           uuid.UUID     `json:"risk_id" db:"risk_id"`
	Weight           float64       `json:"weight" db:"weight"`
	CascadingType    CascadingType `json:"cascading_type" db:"cascading_type"`
	Confidence       float64       `json:"confidence" db:"confidence"`
	RequiresApproval bool          `json:"requires_approval" db:"requires_approval"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

type EventType string

const (
	EventRiskSignal     EventType = "risk_signal"
	EventServiceChange  EventType = "service_change"
	EventRiskApproval   EventType = "risk_approval"
	EventScoreRecompute EventType = "score_recompute"
)

// Event is the unit of work drained by the batch processor. Lifecycle flags
// are mutated only by the batch processor.
type Event struct {
	ID                    uuid.UUID     `json:"id" db:"id"`
	Type                  EventType     `json:"type" db:"type"`
	Source                string        `json:"source" db:"source"`
	ServiceID             *uuid.UUID    `json:"service_id,omitempty" db:"service_id"`
	Priority              EventPriority `json:"priority" db:"priority"`
	Payload               JSONB         `json:"payload" db:"payload"`
	Processed             bool          `json:"processed" db:"processed"`
	ProcessingStartedAt   *time.Time    `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessingCompletedAt *time.Time    `json:"processing_completed_at,omitempty" db:"processing_completed_at"`
	Error                 *string       `json:"error,omitempty" db:"error"`
	OccurredAt            time.Time     `json:"occurred_at" db:"occurred_at"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
}

// ScoreHistory is one recompute result for a service. Rows are pruned by the
// retention cleanup job rather than truncated in memory.
type ScoreHistory struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ServiceID     uuid.UUID `json:"service_id" db:"service_id"`
	Score         float64   `json:"score" db:"score"`
	PreviousScore float64   `json:"previous_score" db:"previous_score"`
	Trend         RiskTrend `json:"trend" db:"trend"`
	MLConfidence  float64   `json:"ml_confidence" db:"ml_confidence"`
	RecordedAt    time.Time `json:"recorded_at" db:"recorded_at"`
}

// ScoreChange is emitted when a recompute crosses the significance
// threshold.
type ScoreChange struct {
	ServiceID     uuid.UUID     `json:"service_id"`
	ServiceName   string        `json:"service_name"`
	PreviousScore float64       `json:"previous_score"`
	CurrentScore  float64       `json:"current_score"`
	Magnitude     float64       `json:"magnitude"`
	Direction     RiskTrend     `json:"direction"`
	EventIDs      []uuid.UUID   `json:"event_ids"`
	Priority      EventPriority `json:"priority"`
}

type AuditAction string

const (
	AuditRiskCreated    AuditAction = "risk_created"
	AuditRiskMerged     AuditAction = "risk_merged"
	AuditRiskSuppressed AuditAction = "risk_suppressed"
	AuditRiskApproved   AuditAction = "risk_approved"
)

type AuditEntry struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	Action    AuditAction `json:"action" db:"action"`
	RiskID    *uuid.UUID  `json:"risk_id,omitempty" db:"risk_id"`
	EventID   *uuid.UUID  `json:"event_id,omitempty" db:"event_id"`
	Detail    JSONB       `json:"detail" db:"detail"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}
