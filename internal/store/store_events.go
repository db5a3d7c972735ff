package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/models"
)

func (s *Store) CreateEvent(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (id, type, source, service_id, priority, payload, processed, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8)
	`
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := time.Now()
	event.CreatedAt = now
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	if event.Priority == "" {
		event.Priority = models.PriorityMedium
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Type, event.Source, event.ServiceID,
		event.Priority, event.Payload, event.OccurredAt, event.CreatedAt,
	)
	return err
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	query := `SELECT * FROM events WHERE id = $1`
	err := s.db.GetContext(ctx, &event, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &event, err
}

// ListUnprocessedEvents returns up to limit unprocessed events ordered by
// priority (critical first) then age (oldest first). Events stuck in
// processing past the stuck timeout are included for retry.
func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int, stuckTimeout time.Duration) ([]models.Event, error) {
	var events []models.Event
	query := `
		SELECT * FROM events
		WHERE processed = false
		  AND (processing_started_at IS NULL OR processing_started_at < $1)
		ORDER BY
			CASE priority
				WHEN 'critical' THEN 4
				WHEN 'high' THEN 3
				WHEN 'medium' THEN 2
				ELSE 1
			END DESC,
			occurred_at ASC
		LIMIT $2
	`
	err := s.db.SelectContext(ctx, &events, query, time.Now().Add(-stuckTimeout), limit)
	return events, err
}

// MarkEventProcessing records the processing start. Returns false when the
// event was already claimed or completed, so an event is picked up at most
// once per cycle even under concurrent processors.
func (s *Store) MarkEventProcessing(ctx context.Context, id uuid.UUID, startedBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET processing_started_at = $1, error = NULL
		WHERE id = $2 AND processed = false
		  AND (processing_started_at IS NULL OR processing_started_at < $3)
	`, time.Now(), id, startedBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkEventProcessed completes an event exactly once: the conditional on
// processed = false makes retried completions no-ops.
func (s *Store) MarkEventProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET processed = true, processing_completed_at = $1, error = NULL
		WHERE id = $2 AND processed = false
	`, time.Now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkEventFailed records a failure. Permanent failures are also marked
// processed so they are not retried.
func (s *Store) MarkEventFailed(ctx context.Context, id uuid.UUID, errMsg string, permanent bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET error = $1, processed = $2, processing_completed_at = $3, processing_started_at = NULL
		WHERE id = $4
	`, errMsg, permanent, time.Now(), id)
	return err
}

// SLAMetrics summarizes processing latency over a rolling window.
type SLAMetrics struct {
	TotalEvents    int     `db:"total_events"`
	WithinTarget   int     `db:"within_target"`
	ComplianceRate float64 `db:"-"`
}

// GetSLAMetrics computes the fraction of events in the window whose
// completion latency (processing_completed_at - occurred_at) beat the
// target.
func (s *Store) GetSLAMetrics(ctx context.Context, window, target time.Duration) (*SLAMetrics, error) {
	var m SLAMetrics
	query := `
		SELECT
			COUNT(*) AS total_events,
			COUNT(*) FILTER (
				WHERE processing_completed_at - occurred_at < make_interval(secs => $1)
			) AS within_target
		FROM events
		WHERE processed = true
		  AND processing_completed_at IS NOT NULL
		  AND processing_completed_at > $2
	`
	err := s.db.GetContext(ctx, &m, query, target.Seconds(), time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	if m.TotalEvents > 0 {
		m.ComplianceRate = float64(m.WithinTarget) / float64(m.TotalEvents) * 100
	}
	return &m, nil
}
