package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/models"
)

func (s *Store) CreateRisk(ctx context.Context, risk *models.Risk) error {
	query := `
		INSERT INTO risks (
			id, tenant_id, service_id, title, description, category,
			composite_score, confidence, severity, likelihood,
			approval_status, state, dedupe_key, merged_from,
			threat_actors, techniques, indicators, intel_sources,
			source_event_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	if risk.ID == uuid.Nil {
		risk.ID = uuid.New()
	}
	now := time.Now()
	risk.CreatedAt = now
	risk.UpdatedAt = now
	if risk.ApprovalStatus == "" {
		risk.ApprovalStatus = models.ApprovalPending
	}
	if risk.State == "" {
		risk.State = models.RiskStateDraft
	}

	_, err := s.db.ExecContext(ctx, query,
		risk.ID, risk.TenantID, risk.ServiceID, risk.Title, risk.Description, risk.Category,
		risk.CompositeScore, risk.Confidence, risk.Severity, risk.Likelihood,
		risk.ApprovalStatus, risk.State, risk.DedupeKey, risk.MergedFrom,
		risk.ThreatActors, risk.Techniques, risk.Indicators, risk.IntelSources,
		risk.SourceEventID, risk.CreatedAt, risk.UpdatedAt,
	)
	return err
}

func (s *Store) GetRisk(ctx context.Context, id uuid.UUID) (*models.Risk, error) {
	var risk models.Risk
	query := `SELECT * FROM risks WHERE id = $1`
	err := s.db.GetContext(ctx, &risk, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &risk, err
}

// GetRiskByDedupeKey finds a risk created with the same dedupe key within
// the lookback window. Used for exact-duplicate suppression.
func (s *Store) GetRiskByDedupeKey(ctx context.Context, key string, window time.Duration) (*models.Risk, error) {
	var risk models.Risk
	query := `
		SELECT * FROM risks
		WHERE dedupe_key = $1 AND created_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := s.db.GetContext(ctx, &risk, query, key, time.Now().Add(-window))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &risk, err
}

// ListMergeCandidates returns active or pending risks on the same service
// and category created within the merge window.
func (s *Store) ListMergeCandidates(ctx context.Context, serviceID uuid.UUID, category models.RiskCategory, window time.Duration) ([]models.Risk, error) {
	var risks []models.Risk
	query := `
		SELECT * FROM risks
		WHERE service_id = $1 AND category = $2
		  AND state IN ('active', 'draft')
		  AND created_at > $3
		ORDER BY created_at DESC
	`
	err := s.db.SelectContext(ctx, &risks, query, serviceID, category, time.Now().Add(-window))
	return risks, err
}

type ListRiskFilters struct {
	ServiceID *uuid.UUID
	Category  *models.RiskCategory
	State     *models.RiskState
	Limit     int
	Offset    int
}

func (s *Store) ListRisks(ctx context.Context, filters ListRiskFilters) ([]models.Risk, int, error) {
	baseQuery := `FROM risks WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.ServiceID != nil {
		baseQuery += fmt.Sprintf(" AND service_id = $%d", argIdx)
		args = append(args, *filters.ServiceID)
		argIdx++
	}
	if filters.Category != nil {
		baseQuery += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, *filters.Category)
		argIdx++
	}
	if filters.State != nil {
		baseQuery += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, *filters.State)
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY composite_score DESC, created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var risks []models.Risk
	if err := s.db.SelectContext(ctx, &risks, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return risks, total, nil
}

// MergeRisk applies the merge side effects to a surviving risk: intel
// sources unioned, confidence raised to the max of both participants, and
// the absorbed risk's id appended to merged_from. The surviving risk is
// never deleted.
func (s *Store) MergeRisk(ctx context.Context, survivorID uuid.UUID, absorbedID uuid.UUID, confidence float64, intelSources []string) error {
	query := `
		UPDATE risks
		SET confidence = GREATEST(confidence, $1),
			intel_sources = (
				SELECT ARRAY(SELECT DISTINCT unnest(intel_sources || $2::text[]))
			),
			merged_from = array_append(merged_from, $3),
			updated_at = $4
		WHERE id = $5
	`
	_, err := s.db.ExecContext(ctx, query,
		confidence, models.StringArray(intelSources), absorbedID.String(), time.Now(), survivorID)
	return err
}

func (s *Store) UpdateRiskState(ctx context.Context, id uuid.UUID, state models.RiskState) error {
	query := `UPDATE risks SET state = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, state, time.Now(), id)
	return err
}

func (s *Store) UpdateRiskApproval(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) error {
	query := `UPDATE risks SET approval_status = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, status, time.Now(), id)
	return err
}

// UpsertAssociation creates or updates a service-risk association. The
// (service_id, risk_id) pair is unique; cascades re-running over the same
// edge refresh weight and confidence in place.
func (s *Store) UpsertAssociation(ctx context.Context, assoc *models.ServiceRiskAssociation) error {
	query := `
		INSERT INTO service_risk_associations (
			id, service_id, risk_id, weight, cascading_type, confidence, requires_approval, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (service_id, risk_id) DO UPDATE SET
			weight = EXCLUDED.weight,
			cascading_type = EXCLUDED.cascading_type,
			confidence = EXCLUDED.confidence,
			requires_approval = EXCLUDED.requires_approval,
			updated_at = EXCLUDED.updated_at
	`
	if assoc.ID == uuid.Nil {
		assoc.ID = uuid.New()
	}
	now := time.Now()
	assoc.CreatedAt = now
	assoc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		assoc.ID, assoc.ServiceID, assoc.RiskID, assoc.Weight,
		assoc.CascadingType, assoc.Confidence, assoc.RequiresApproval,
		assoc.CreatedAt, assoc.UpdatedAt,
	)
	return err
}

func (s *Store) ListAssociationsByService(ctx context.Context, serviceID uuid.UUID) ([]models.ServiceRiskAssociation, error) {
	var assocs []models.ServiceRiskAssociation
	query := `SELECT * FROM service_risk_associations WHERE service_id = $1 ORDER BY weight DESC`
	err := s.db.SelectContext(ctx, &assocs, query, serviceID)
	return assocs, err
}

func (s *Store) ListAssociationsByRisk(ctx context.Context, riskID uuid.UUID) ([]models.ServiceRiskAssociation, error) {
	var assocs []models.ServiceRiskAssociation
	query := `SELECT * FROM service_risk_associations WHERE risk_id = $1`
	err := s.db.SelectContext(ctx, &assocs, query, riskID)
	return assocs, err
}

// AssociatedRisk pairs a risk with the weight and confidence of its
// association to a particular service.
type AssociatedRisk struct {
	models.Risk
	Weight           float64              `db:"assoc_weight"`
	AssocConfidence  float64              `db:"assoc_confidence"`
	AssocCascading   models.CascadingType `db:"assoc_cascading_type"`
}

// ListActiveRisksForService returns active risks associated with a service,
// joined with their association weight.
func (s *Store) ListActiveRisksForService(ctx context.Context, serviceID uuid.UUID) ([]AssociatedRisk, error) {
	var risks []AssociatedRisk
	query := `
		SELECT r.*,
			a.weight AS assoc_weight,
			a.confidence AS assoc_confidence,
			a.cascading_type AS assoc_cascading_type
		FROM risks r
		JOIN service_risk_associations a ON a.risk_id = r.id
		WHERE a.service_id = $1 AND r.state = 'active'
		ORDER BY r.composite_score DESC
	`
	err := s.db.SelectContext(ctx, &risks, query, serviceID)
	return risks, err
}
