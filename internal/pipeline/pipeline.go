package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/cascade"
	"github.com/aria5/riskcore/internal/decision"
	"github.com/aria5/riskcore/internal/dedup"
	"github.com/aria5/riskcore/internal/graph"
	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/scoring"
	"github.com/aria5/riskcore/internal/trigger"
)

// ValidationError marks an event payload as permanently unprocessable. The
// batch processor marks such events failed without retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event payload: " + e.Reason
}

// Store is the slice of the relational store the pipeline writes through.
type Store interface {
	GetService(ctx context.Context, id uuid.UUID) (*models.ServiceNode, error)
	GetRisk(ctx context.Context, id uuid.UUID) (*models.Risk, error)
	CreateRisk(ctx context.Context, risk *models.Risk) error
	MergeRisk(ctx context.Context, survivorID, absorbedID uuid.UUID, confidence float64, intelSources []string) error
	UpdateRiskState(ctx context.Context, id uuid.UUID, state models.RiskState) error
	UpdateRiskApproval(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) error
	UpsertAssociation(ctx context.Context, assoc *models.ServiceRiskAssociation) error
	CreateAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// Resolver classifies a candidate risk against existing risks.
type Resolver interface {
	Resolve(ctx context.Context, candidate *models.Risk) *dedup.Resolution
}

// Cascader propagates an approved risk across the dependency snapshot.
type Cascader interface {
	PropagateOver(ctx context.Context, risk *models.Risk, snap *graph.Snapshot) ([]cascade.Cascade, error)
}

// Classifier normalizes a raw signal into a trigger descriptor.
type Classifier interface {
	Classify(ctx context.Context, signal *models.RiskSignal) *trigger.Trigger
}

// CascadeNotifier surfaces cascades held for manual review. Delivery is
// fire-and-forget; failures never affect the event outcome.
type CascadeNotifier interface {
	NotifyCascadeApproval(ctx context.Context, riskTitle, serviceName string, cascadedScore float64) error
}

// Pipeline runs the per-event flow: classify, score, deduplicate, decide,
// cascade. One pipeline instance is shared by the batch workers; all state
// lives in the store.
type Pipeline struct {
	store      Store
	classifier Classifier
	resolver   Resolver
	cascader   Cascader
	notifier   CascadeNotifier
	thresholds decision.Thresholds
	logger     *slog.Logger
}

func New(st Store, cls Classifier, resolver Resolver, cascader Cascader, thresholds decision.Thresholds, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      st,
		classifier: cls,
		resolver:   resolver,
		cascader:   cascader,
		thresholds: thresholds,
		logger:     logger,
	}
}

// WithNotifier attaches the sink for held-cascade review notifications.
func (p *Pipeline) WithNotifier(n CascadeNotifier) *Pipeline {
	p.notifier = n
	return p
}

// Outcome reports what one event did, so the batch processor can rescore
// affected services under per-service locks and emit notifications.
type Outcome struct {
	Verdict          decision.Verdict
	DedupeOutcome    dedup.Outcome
	RiskID           *uuid.UUID
	AffectedServices []uuid.UUID
	Cascades         []cascade.Cascade
}

// ProcessEvent runs the flow for one claimed event against a shared
// dependency snapshot. Errors of type *ValidationError are permanent.
func (p *Pipeline) ProcessEvent(ctx context.Context, event *models.Event, snap *graph.Snapshot) (*Outcome, error) {
	switch event.Type {
	case models.EventRiskSignal:
		return p.processSignal(ctx, event, snap)
	case models.EventRiskApproval:
		return p.processApproval(ctx, event, snap)
	case models.EventScoreRecompute, models.EventServiceChange:
		return p.processRecompute(ctx, event)
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown event type %q", event.Type)}
	}
}

func (p *Pipeline) processSignal(ctx context.Context, event *models.Event, snap *graph.Snapshot) (*Outcome, error) {
	if event.ServiceID == nil {
		return nil, &ValidationError{Reason: "risk signal without service reference"}
	}

	signal, err := models.DecodeSignal(event.Source, event.Payload)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	svc, err := p.store.GetService(ctx, *event.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("loading service: %w", err)
	}
	if svc == nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown service %s", event.ServiceID)}
	}

	trig := p.classifier.Classify(ctx, signal)
	candidate := candidateRisk(svc, event, signal, trig)

	res := p.resolver.Resolve(ctx, candidate)
	candidate.DedupeKey = res.DedupeKey

	out := &Outcome{DedupeOutcome: res.Outcome, AffectedServices: []uuid.UUID{svc.ID}}

	switch res.Outcome {
	case dedup.OutcomeSuppress:
		p.audit(ctx, models.AuditRiskSuppressed, &res.Existing.ID, &event.ID, map[string]interface{}{
			"reason":     "duplicate",
			"dedupe_key": res.DedupeKey,
			"similarity": res.SimilarityScore,
		})
		out.Verdict = decision.VerdictSuppress
		out.RiskID = &res.Existing.ID
		return out, nil

	case dedup.OutcomeMerge:
		if err := p.store.MergeRisk(ctx, res.Existing.ID, candidate.ID,
			maxFloat(res.Existing.Confidence, candidate.Confidence), candidate.IntelSources); err != nil {
			// Merge failure falls open to create: losing a signal is worse
			// than an extra duplicate.
			p.logger.Warn("merge failed, creating risk instead", "error", err, "survivor", res.Existing.ID)
			return p.createAndDecide(ctx, event, svc, trig, candidate, out, snap)
		}
		p.audit(ctx, models.AuditRiskMerged, &res.Existing.ID, &event.ID, map[string]interface{}{
			"absorbed":         candidate.ID.String(),
			"similarity":       res.SimilarityScore,
			"title_similarity": res.TitleSimilarity,
			"evidence_overlap": res.EvidenceOverlap,
		})
		out.Verdict = decision.VerdictPending
		out.RiskID = &res.Existing.ID
		return out, nil

	default:
		return p.createAndDecide(ctx, event, svc, trig, candidate, out, snap)
	}
}

func (p *Pipeline) createAndDecide(ctx context.Context, event *models.Event, svc *models.ServiceNode, trig *trigger.Trigger, candidate *models.Risk, out *Outcome, snap *graph.Snapshot) (*Outcome, error) {
	verdict := decision.Decide(decision.Input{
		Confidence:       trig.Confidence,
		CompositeScore:   candidate.CompositeScore,
		KEVMatch:         trig.KEVMatch,
		CriticalityIndex: scoring.ProfileFor(svc.Criticality).BusinessImpact,
	}, p.thresholds)
	out.Verdict = verdict

	if verdict == decision.VerdictSuppress {
		p.audit(ctx, models.AuditRiskSuppressed, nil, &event.ID, map[string]interface{}{
			"reason":     "below thresholds",
			"confidence": trig.Confidence,
			"urgency":    string(trig.Urgency),
			"score":      candidate.CompositeScore,
		})
		return out, nil
	}

	candidate.State = decision.InitialState(verdict)
	candidate.ApprovalStatus = decision.ApprovalStatus(verdict)

	if err := p.store.CreateRisk(ctx, candidate); err != nil {
		return nil, fmt.Errorf("creating risk: %w", err)
	}
	out.RiskID = &candidate.ID

	assoc := &models.ServiceRiskAssociation{
		ServiceID:     svc.ID,
		RiskID:        candidate.ID,
		Weight:        1.0,
		CascadingType: models.CascadingDirect,
		Confidence:    trig.Confidence,
	}
	if err := p.store.UpsertAssociation(ctx, assoc); err != nil {
		return nil, fmt.Errorf("associating risk: %w", err)
	}

	action := models.AuditRiskCreated
	if verdict == decision.VerdictAutoApprove {
		action = models.AuditRiskApproved
	}
	p.audit(ctx, action, &candidate.ID, &event.ID, map[string]interface{}{
		"verdict":    string(verdict),
		"confidence": trig.Confidence,
		"urgency":    string(trig.Urgency),
		"score":      candidate.CompositeScore,
		"reasons":    trig.Reasons,
	})

	if verdict == decision.VerdictAutoApprove {
		cascades, err := p.cascader.PropagateOver(ctx, candidate, snap)
		if err != nil {
			// Cascading is additive; its failure does not invalidate the risk.
			p.logger.Warn("cascade failed", "risk_id", candidate.ID, "error", err)
		}
		out.Cascades = cascades
		for _, c := range cascades {
			out.AffectedServices = append(out.AffectedServices, c.ServiceID)
		}
		p.notifyHeldCascades(ctx, candidate, cascades)
	}

	return out, nil
}

// notifyHeldCascades surfaces cascaded associations persisted with the
// requires-approval flag, so reviewers learn about them without polling.
func (p *Pipeline) notifyHeldCascades(ctx context.Context, risk *models.Risk, cascades []cascade.Cascade) {
	if p.notifier == nil {
		return
	}
	for _, c := range cascades {
		if !c.RequiresApproval {
			continue
		}
		name := c.ServiceID.String()
		if svc, err := p.store.GetService(ctx, c.ServiceID); err == nil && svc != nil {
			name = svc.Name
		}
		if err := p.notifier.NotifyCascadeApproval(ctx, risk.Title, name, c.Score); err != nil {
			p.logger.Warn("cascade approval notification failed", "service_id", c.ServiceID, "error", err)
		}
	}
}

// processApproval applies a manual approval decision carried by an event.
func (p *Pipeline) processApproval(ctx context.Context, event *models.Event, snap *graph.Snapshot) (*Outcome, error) {
	riskIDRaw, _ := event.Payload["risk_id"].(string)
	riskID, err := uuid.Parse(riskIDRaw)
	if err != nil {
		return nil, &ValidationError{Reason: "approval event without valid risk_id"}
	}
	approved, _ := event.Payload["approved"].(bool)

	risk, err := p.store.GetRisk(ctx, riskID)
	if err != nil {
		return nil, fmt.Errorf("loading risk: %w", err)
	}
	if risk == nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown risk %s", riskID)}
	}

	out := &Outcome{RiskID: &riskID}

	status := models.ApprovalRejected
	state := models.RiskStateSuppressed
	if approved {
		status = models.ApprovalApproved
		state = models.RiskStateActive
	}
	if !risk.CanTransition(state) {
		return nil, &ValidationError{Reason: fmt.Sprintf("risk %s cannot move from %s to %s", riskID, risk.State, state)}
	}

	if err := p.store.UpdateRiskApproval(ctx, riskID, status); err != nil {
		return nil, fmt.Errorf("updating approval: %w", err)
	}
	if err := p.store.UpdateRiskState(ctx, riskID, state); err != nil {
		return nil, fmt.Errorf("updating state: %w", err)
	}
	p.audit(ctx, models.AuditRiskApproved, &riskID, &event.ID, map[string]interface{}{
		"approved": approved,
	})

	if approved {
		risk.ApprovalStatus = status
		cascades, err := p.cascader.PropagateOver(ctx, risk, snap)
		if err != nil {
			p.logger.Warn("cascade failed", "risk_id", riskID, "error", err)
		}
		out.Cascades = cascades
		out.AffectedServices = append(out.AffectedServices, risk.ServiceID)
		for _, c := range cascades {
			out.AffectedServices = append(out.AffectedServices, c.ServiceID)
		}
		p.notifyHeldCascades(ctx, risk, cascades)
	}

	return out, nil
}

func (p *Pipeline) processRecompute(ctx context.Context, event *models.Event) (*Outcome, error) {
	if event.ServiceID == nil {
		return nil, &ValidationError{Reason: "recompute event without service reference"}
	}
	return &Outcome{AffectedServices: []uuid.UUID{*event.ServiceID}}, nil
}

func (p *Pipeline) audit(ctx context.Context, action models.AuditAction, riskID, eventID *uuid.UUID, detail map[string]interface{}) {
	entry := &models.AuditEntry{
		Action:  action,
		RiskID:  riskID,
		EventID: eventID,
		Detail:  models.JSONB(detail),
	}
	if err := p.store.CreateAuditEntry(ctx, entry); err != nil {
		p.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// candidateRisk builds the ephemeral risk record a signal proposes.
func candidateRisk(svc *models.ServiceNode, event *models.Event, signal *models.RiskSignal, trig *trigger.Trigger) *models.Risk {
	risk := &models.Risk{
		ID:            uuid.New(),
		TenantID:      svc.TenantID,
		ServiceID:     svc.ID,
		Category:      signal.Category,
		Confidence:    trig.Confidence,
		SourceEventID: &event.ID,
		CreatedAt:     time.Now(),
	}

	switch pl := signal.Payload.(type) {
	case models.SecuritySignal:
		risk.Title = pl.Title
		risk.Description = pl.Description
		risk.CompositeScore = pl.SeverityScore
		risk.ThreatActors = pl.ThreatActors
		risk.Techniques = pl.Techniques
		risk.Indicators = pl.Indicators
		risk.IntelSources = evidenceUnion(pl.ThreatActors, pl.Techniques, pl.Indicators)
	case models.OperationalSignal:
		risk.Title = pl.Title
		risk.Description = pl.Description
		risk.CompositeScore = pl.ImpactScore
	case models.ComplianceSignal:
		risk.Title = pl.Title
		risk.Description = pl.Description
		risk.CompositeScore = pl.ImpactScore
	case models.StrategicSignal:
		risk.Title = pl.Title
		risk.Description = pl.Description
		risk.CompositeScore = pl.ImpactScore
	}

	if risk.CompositeScore < 0 {
		risk.CompositeScore = 0
	}
	if risk.CompositeScore > 100 {
		risk.CompositeScore = 100
	}

	// Severity and likelihood on the 1-5 scale feed the CIA recompute.
	risk.Severity = 1 + risk.CompositeScore/25
	risk.Likelihood = 1 + trig.Confidence*4

	return risk
}

func evidenceUnion(lists ...[]string) models.StringArray {
	seen := make(map[string]struct{})
	var out models.StringArray
	for _, list := range lists {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
