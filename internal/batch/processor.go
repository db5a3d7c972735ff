package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/graph"
	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/notify"
	"github.com/aria5/riskcore/internal/pipeline"
	"github.com/aria5/riskcore/internal/scoring"
	"github.com/aria5/riskcore/internal/store"
)

// Config tunes the drain loop.
type Config struct {
	CycleInterval time.Duration // cadence of the drain
	BatchSize     int           // events per cycle
	Workers       int           // concurrent event workers
	SLATarget     time.Duration // per-event latency target
	SLAWindow     time.Duration // rolling window for the compliance rate
	StuckTimeout  time.Duration // reclaim events stuck in processing
}

func DefaultConfig() Config {
	return Config{
		CycleInterval: time.Minute,
		BatchSize:     50,
		Workers:       8,
		SLATarget:     15 * time.Minute,
		SLAWindow:     24 * time.Hour,
		StuckTimeout:  15 * time.Minute,
	}
}

// Store is the event-lifecycle slice of the relational store. Only the
// batch processor mutates event rows.
type Store interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	ListUnprocessedEvents(ctx context.Context, limit int, stuckTimeout time.Duration) ([]models.Event, error)
	MarkEventProcessing(ctx context.Context, id uuid.UUID, startedBefore time.Time) (bool, error)
	MarkEventProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	MarkEventFailed(ctx context.Context, id uuid.UUID, errMsg string, permanent bool) error
	GetSLAMetrics(ctx context.Context, window, target time.Duration) (*store.SLAMetrics, error)
	ListAllDependencies(ctx context.Context) ([]models.ServiceDependencyEdge, error)
}

// Processor runs the per-event pipeline.
type Processor interface {
	ProcessEvent(ctx context.Context, event *models.Event, snap *graph.Snapshot) (*pipeline.Outcome, error)
}

// EventQueue is the Redis mirror ordering the drain. It is advisory: the
// Postgres sweep recovers anything the mirror loses.
type EventQueue interface {
	Dequeue(ctx context.Context, limit int) ([]uuid.UUID, error)
	Ack(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID) error
	Heartbeat(ctx context.Context, workerID string) error
}

// Scorer recomputes a service's aggregate score.
type Scorer interface {
	Recompute(ctx context.Context, serviceID uuid.UUID) (*scoring.Result, error)
}

// Notifier delivers significant score changes. Fire-and-forget.
type Notifier interface {
	NotifyScoreChange(ctx context.Context, change *models.ScoreChange) error
}

// Batch drains the event queue on a fixed cycle. One event's failure never
// aborts the batch; the cycle self-bounds at the SLA target so nothing can
// block the scheduler indefinitely.
type Batch struct {
	store     Store
	queue     EventQueue
	processor Processor
	scorer    Scorer
	notifier  Notifier
	cfg       Config
	workerID  string

	locks keyedMutex
}

func New(st Store, q EventQueue, proc Processor, scorer Scorer, notifier Notifier, cfg Config) *Batch {
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers == 0 {
		cfg.Workers = 8
	}
	if cfg.SLATarget == 0 {
		cfg.SLATarget = 15 * time.Minute
	}
	if cfg.SLAWindow == 0 {
		cfg.SLAWindow = 24 * time.Hour
	}
	if cfg.StuckTimeout == 0 {
		cfg.StuckTimeout = cfg.SLATarget
	}
	host, _ := os.Hostname()
	return &Batch{
		store:     st,
		queue:     q,
		processor: proc,
		scorer:    scorer,
		notifier:  notifier,
		cfg:       cfg,
		workerID:  fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run drains batches until the context is cancelled.
func (b *Batch) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.CycleInterval)
	defer ticker.Stop()

	log.Printf("batch processor started (cycle=%s batch=%d workers=%d)",
		b.cfg.CycleInterval, b.cfg.BatchSize, b.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			log.Printf("batch processor stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			if err := b.RunCycle(ctx); err != nil {
				log.Printf("batch cycle error: %v", err)
			}
		}
	}
}

// CycleResult summarizes one drain cycle.
type CycleResult struct {
	Claimed   int
	Processed int
	Failed    int
	Rescored  int
	Notified  int
}

// RunCycle drains one batch. The cycle is hard-bounded at the SLA target;
// events still processing past that are reclaimed by a later cycle.
func (b *Batch) RunCycle(ctx context.Context) (err error) {
	cycleCtx, cancel := context.WithTimeout(ctx, b.cfg.SLATarget)
	defer cancel()

	if b.queue != nil {
		if hbErr := b.queue.Heartbeat(cycleCtx, b.workerID); hbErr != nil {
			log.Printf("queue heartbeat failed: %v", hbErr)
		}
	}

	events, err := b.gatherEvents(cycleCtx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	snap, err := graph.Load(cycleCtx, b.store)
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		result   CycleResult
		affected = make(map[uuid.UUID][]uuid.UUID) // service -> contributing events
	)

	jobs := make(chan models.Event)
	var wg sync.WaitGroup

	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range jobs {
				services, ok := b.processOne(cycleCtx, &ev, snap)
				mu.Lock()
				if ok {
					result.Processed++
				} else {
					result.Failed++
				}
				for _, sid := range services {
					affected[sid] = append(affected[sid], ev.ID)
				}
				mu.Unlock()
			}
		}()
	}

	claimCutoff := time.Now().Add(-b.cfg.StuckTimeout)
	for _, ev := range events {
		claimed, err := b.store.MarkEventProcessing(cycleCtx, ev.ID, claimCutoff)
		if err != nil {
			log.Printf("claiming event %s: %v", ev.ID, err)
			continue
		}
		if !claimed {
			continue // another worker already owns it
		}
		result.Claimed++
		jobs <- ev
	}
	close(jobs)
	wg.Wait()

	rescored, notified := b.rescoreAffected(cycleCtx, affected)
	result.Rescored = rescored
	result.Notified = notified

	log.Printf("batch cycle done: claimed=%d processed=%d failed=%d rescored=%d notified=%d",
		result.Claimed, result.Processed, result.Failed, result.Rescored, result.Notified)

	return nil
}

// gatherEvents drains the queue mirror first, then sweeps Postgres for
// anything the mirror missed (stuck events, lost envelopes). Postgres
// ordering already matches the mirror's: priority, then age.
func (b *Batch) gatherEvents(ctx context.Context) ([]models.Event, error) {
	seen := make(map[uuid.UUID]struct{}, b.cfg.BatchSize)
	var events []models.Event

	if b.queue != nil {
		ids, err := b.queue.Dequeue(ctx, b.cfg.BatchSize)
		if err != nil {
			log.Printf("queue dequeue failed, sweeping store only: %v", err)
		}
		for _, id := range ids {
			ev, err := b.store.GetEvent(ctx, id)
			if err != nil || ev == nil || ev.Processed {
				continue
			}
			seen[ev.ID] = struct{}{}
			events = append(events, *ev)
		}
	}

	if len(events) < b.cfg.BatchSize {
		swept, err := b.store.ListUnprocessedEvents(ctx, b.cfg.BatchSize, b.cfg.StuckTimeout)
		if err != nil {
			if len(events) == 0 {
				return nil, err
			}
			log.Printf("store sweep failed: %v", err)
			return events, nil
		}
		for _, ev := range swept {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			if len(events) >= b.cfg.BatchSize {
				break
			}
			events = append(events, ev)
		}
	}

	return events, nil
}

// processOne is the per-event recovery boundary. It returns the services
// whose scores the event touched and whether the event succeeded.
func (b *Batch) processOne(ctx context.Context, ev *models.Event, snap *graph.Snapshot) ([]uuid.UUID, bool) {
	outcome, err := b.processor.ProcessEvent(ctx, ev, snap)
	if err != nil {
		var verr *pipeline.ValidationError
		permanent := errors.As(err, &verr)
		if markErr := b.store.MarkEventFailed(ctx, ev.ID, err.Error(), permanent); markErr != nil {
			log.Printf("marking event %s failed: %v", ev.ID, markErr)
		}
		if b.queue != nil && permanent {
			_ = b.queue.MarkFailed(ctx, ev.ID)
		}
		log.Printf("event %s failed (permanent=%v): %v", ev.ID, permanent, err)
		return nil, false
	}

	if _, err := b.store.MarkEventProcessed(ctx, ev.ID); err != nil {
		log.Printf("marking event %s processed: %v", ev.ID, err)
	}
	if b.queue != nil {
		_ = b.queue.Ack(ctx, ev.ID)
	}
	return outcome.AffectedServices, true
}

// rescoreAffected recomputes every touched service once, under a
// per-service lock, and emits notifications for significant deltas.
func (b *Batch) rescoreAffected(ctx context.Context, affected map[uuid.UUID][]uuid.UUID) (rescored, notified int) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	sem := make(chan struct{}, b.cfg.Workers)

	for sid, eventIDs := range affected {
		wg.Add(1)
		sem <- struct{}{}
		go func(sid uuid.UUID, eventIDs []uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()

			unlock := b.locks.lock(sid)
			res, err := b.scorer.Recompute(ctx, sid)
			unlock()
			if err != nil {
				log.Printf("rescoring service %s: %v", sid, err)
				return
			}

			mu.Lock()
			rescored++
			mu.Unlock()

			if change := significantChange(res, eventIDs); change != nil {
				if err := b.notifier.NotifyScoreChange(ctx, change); err != nil {
					log.Printf("notifying score change for %s: %v", sid, err)
				} else {
					mu.Lock()
					notified++
					mu.Unlock()
				}
			}
		}(sid, eventIDs)
	}
	wg.Wait()
	return rescored, notified
}

// significantChange applies the significance threshold: a recompute is
// notified only when |current - previous| >= max(10, previous * 0.2).
func significantChange(res *scoring.Result, eventIDs []uuid.UUID) *models.ScoreChange {
	magnitude := res.Score - res.PreviousScore
	if magnitude < 0 {
		magnitude = -magnitude
	}

	threshold := res.PreviousScore * 0.2
	if threshold < 10 {
		threshold = 10
	}
	if magnitude < threshold {
		return nil
	}

	direction := models.TrendIncreasing
	if res.Score < res.PreviousScore {
		direction = models.TrendDecreasing
	}

	return &models.ScoreChange{
		ServiceID:     res.Service.ID,
		ServiceName:   res.Service.Name,
		PreviousScore: res.PreviousScore,
		CurrentScore:  res.Score,
		Magnitude:     magnitude,
		Direction:     direction,
		EventIDs:      eventIDs,
		Priority:      notify.PriorityFor(res.Score, magnitude),
	}
}

// SLACompliance reports the fraction of events resolved within the SLA
// target over the rolling window.
func (b *Batch) SLACompliance(ctx context.Context) (*store.SLAMetrics, error) {
	return b.store.GetSLAMetrics(ctx, b.cfg.SLAWindow, b.cfg.SLATarget)
}

// keyedMutex serializes recomputes per service id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func (k *keyedMutex) lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*sync.Mutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
