package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/aria5/riskcore/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreateService(ctx context.Context, svc *models.ServiceNode) error {
	query := `
		INSERT INTO services (
			id, name, criticality, confidentiality_score, integrity_score, availability_score,
			aggregate_score, risk_trend, tenant_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	now := time.Now()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	if svc.RiskTrend == "" {
		svc.RiskTrend = models.TrendStable
	}

	_, err := s.db.ExecContext(ctx, query,
		svc.ID, svc.Name, svc.Criticality,
		svc.ConfidentialityScore, svc.IntegrityScore, svc.AvailabilityScore,
		svc.AggregateScore, svc.RiskTrend, svc.TenantID,
		svc.CreatedAt, svc.UpdatedAt,
	)
	return err
}

func (s *Store) GetService(ctx context.Context, id uuid.UUID) (*models.ServiceNode, error) {
	var svc models.ServiceNode
	query := `SELECT * FROM services WHERE id = $1`
	err := s.db.GetContext(ctx, &svc, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &svc, err
}

func (s *Store) ListServices(ctx context.Context, criticality *models.CriticalityLevel) ([]models.ServiceNode, error) {
	query := `SELECT * FROM services WHERE 1=1`
	args := make([]interface{}, 0)

	if criticality != nil {
		query += " AND criticality = $1"
		args = append(args, *criticality)
	}

	query += " ORDER BY aggregate_score DESC, name ASC"

	var services []models.ServiceNode
	err := s.db.SelectContext(ctx, &services, query, args...)
	return services, err
}

// UpdateServiceScore persists a full recompute result atomically: the new
// aggregate, CIA sub-scores, trend, and a score-history row succeed or fail
// together so the prior state is never half-replaced.
func (s *Store) UpdateServiceScore(ctx context.Context, svc *models.ServiceNode, hist *models.ScoreHistory) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	svc.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE services
		SET aggregate_score = $1, risk_trend = $2,
			confidentiality_score = $3, integrity_score = $4, availability_score = $5,
			updated_at = $6
		WHERE id = $7
	`, svc.AggregateScore, svc.RiskTrend,
		svc.ConfidentialityScore, svc.IntegrityScore, svc.AvailabilityScore,
		now, svc.ID)
	if err != nil {
		return fmt.Errorf("updating service score: %w", err)
	}

	if hist.ID == uuid.Nil {
		hist.ID = uuid.New()
	}
	hist.RecordedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO score_history (id, service_id, score, previous_score, trend, ml_confidence, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, hist.ID, hist.ServiceID, hist.Score, hist.PreviousScore, hist.Trend, hist.MLConfidence, hist.RecordedAt)
	if err != nil {
		return fmt.Errorf("inserting score history: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListScoreHistory(ctx context.Context, serviceID uuid.UUID, limit int) ([]models.ScoreHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var history []models.ScoreHistory
	query := `SELECT * FROM score_history WHERE service_id = $1 ORDER BY recorded_at DESC LIMIT $2`
	err := s.db.SelectContext(ctx, &history, query, serviceID, limit)
	return history, err
}

// PruneScoreHistory deletes history rows older than the retention horizon.
func (s *Store) PruneScoreHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM score_history WHERE recorded_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateDependency(ctx context.Context, edge *models.ServiceDependencyEdge) error {
	query := `
		INSERT INTO service_dependencies (id, service_id, depends_on_service_id, dependency_type, criticality, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (service_id, depends_on_service_id) DO UPDATE SET
			dependency_type = EXCLUDED.dependency_type,
			criticality = EXCLUDED.criticality
	`
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	edge.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		edge.ID, edge.ServiceID, edge.DependsOnServiceID,
		edge.DependencyType, edge.Criticality, edge.CreatedAt,
	)
	return err
}

// ListDependencies returns edges where the given service is the dependent
// (it points at the services it relies on).
func (s *Store) ListDependencies(ctx context.Context, serviceID uuid.UUID) ([]models.ServiceDependencyEdge, error) {
	var edges []models.ServiceDependencyEdge
	query := `SELECT * FROM service_dependencies WHERE service_id = $1`
	err := s.db.SelectContext(ctx, &edges, query, serviceID)
	return edges, err
}

// ListDependents returns edges pointing back at the given service: the
// services that declare a dependency on it.
func (s *Store) ListDependents(ctx context.Context, serviceID uuid.UUID) ([]models.ServiceDependencyEdge, error) {
	var edges []models.ServiceDependencyEdge
	query := `SELECT * FROM service_dependencies WHERE depends_on_service_id = $1`
	err := s.db.SelectContext(ctx, &edges, query, serviceID)
	return edges, err
}

func (s *Store) ListAllDependencies(ctx context.Context) ([]models.ServiceDependencyEdge, error) {
	var edges []models.ServiceDependencyEdge
	err := s.db.SelectContext(ctx, &edges, `SELECT * FROM service_dependencies`)
	return edges, err
}

func (s *Store) CreateAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_trail (id, action, risk_id, event_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Action, entry.RiskID, entry.EventID, entry.Detail, entry.CreatedAt,
	)
	return err
}
