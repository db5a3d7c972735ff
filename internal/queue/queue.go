package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aria5/riskcore/internal/models"
)

const (
	EventsQueue      = "riskcore:events:pending"
	EventsProcessing = "riskcore:events:processing"
	EventsFailed     = "riskcore:events:failed"
	DedupeKeyPrefix  = "riskcore:dedupe:"
	WorkerHeartbeat  = "riskcore:workers:heartbeat"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Queue is the Redis priority queue mirroring unprocessed events. Postgres
// remains the source of truth for event lifecycle; the queue only orders
// the drain. Losing the mirror loses ordering hints, never events.
type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// envelope is the queue-side view of an event: just enough to order the
// drain and re-fetch the row.
type envelope struct {
	EventID  uuid.UUID            `json:"event_id"`
	Priority models.EventPriority `json:"priority"`
	Queued   time.Time            `json:"queued_at"`
}

// Enqueue mirrors an event into the priority queue. Higher priority drains
// first; within a priority band, older events drain first.
func (q *Queue) Enqueue(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(envelope{
		EventID:  event.ID,
		Priority: event.Priority,
		Queued:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshaling event envelope: %w", err)
	}

	score := float64(event.OccurredAt.Unix()) - float64(models.PriorityRank(event.Priority)*1000000)

	if err := q.client.ZAdd(ctx, EventsQueue, redis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing event: %w", err)
	}

	return nil
}

// Dequeue pops up to limit event ids in drain order. An empty queue returns
// an empty slice, not an error.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	results, err := q.client.ZPopMin(ctx, EventsQueue, int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing events: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(results))
	for _, r := range results {
		var env envelope
		if err := json.Unmarshal([]byte(r.Member.(string)), &env); err != nil {
			continue // malformed envelope, the Postgres sweep will recover it
		}
		ids = append(ids, env.EventID)

		q.client.SAdd(ctx, EventsProcessing, env.EventID.String())
	}

	return ids, nil
}

// Ack removes an event from the processing set once Postgres has recorded
// the outcome.
func (q *Queue) Ack(ctx context.Context, eventID uuid.UUID) error {
	return q.client.SRem(ctx, EventsProcessing, eventID.String()).Err()
}

// MarkFailed records a terminal failure for queue stats.
func (q *Queue) MarkFailed(ctx context.Context, eventID uuid.UUID) error {
	q.client.SRem(ctx, EventsProcessing, eventID.String())
	return q.client.SAdd(ctx, EventsFailed, eventID.String()).Err()
}

// CacheDedupeKey records a dedupe key with a TTL, returning false if the
// key was already present. A Redis error reports the key as unseen; the
// relational lookup is authoritative.
func (q *Queue) CacheDedupeKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := q.client.SetNX(ctx, DedupeKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return true, fmt.Errorf("caching dedupe key: %w", err)
	}
	return set, nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, EventsQueue).Result()
	processing, _ := q.client.SCard(ctx, EventsProcessing).Result()
	failed, _ := q.client.SCard(ctx, EventsFailed).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["failed"] = failed

	return stats, nil
}

func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeat, workerID, time.Now().Unix()).Err()
}

func (q *Queue) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, WorkerHeartbeat).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := time.Now().Add(-timeout).Unix()

	for workerID, lastSeen := range workers {
		var ts int64
		_, _ = fmt.Sscanf(lastSeen, "%d", &ts)
		if ts > cutoff {
			active = append(active, workerID)
		}
	}

	return active, nil
}
