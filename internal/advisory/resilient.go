package advisory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Resilient wraps a primary predictor with a per-call timeout and a circuit
// breaker, falling back to the rule-based predictor whenever the primary is
// unavailable. Pipeline liveness never depends on the primary.
type Resilient struct {
	primary  Predictor
	fallback Predictor
	timeout  time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	failures    int
	maxFailures int
	openedAt    time.Time
	cooldown    time.Duration
}

type ResilientConfig struct {
	Timeout     time.Duration
	MaxFailures int
	Cooldown    time.Duration
}

func NewResilient(primary, fallback Predictor, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	return &Resilient{
		primary:     primary,
		fallback:    fallback,
		timeout:     cfg.Timeout,
		logger:      logger,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
	}
}

// Predict never returns an error: the fallback predictor is total.
func (r *Resilient) Predict(ctx context.Context, features FeatureVector) (*Prediction, error) {
	if r.primary == nil || r.breakerOpen() {
		return r.fallback.Predict(ctx, features)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pred, err := r.primary.Predict(callCtx, features)
	if err != nil {
		r.recordFailure()
		r.logger.Warn("advisory predictor failed, using rule-based fallback", "error", err)
		return r.fallback.Predict(ctx, features)
	}

	r.recordSuccess()
	return pred, nil
}

func (r *Resilient) breakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures < r.maxFailures {
		return false
	}
	if time.Since(r.openedAt) > r.cooldown {
		// Half-open: allow one probe through.
		r.failures = r.maxFailures - 1
		return false
	}
	return true
}

func (r *Resilient) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures++
	if r.failures == r.maxFailures {
		r.openedAt = time.Now()
		r.logger.Warn("advisory circuit breaker opened",
			"failures", r.failures,
			"cooldown", r.cooldown)
	}
}

func (r *Resilient) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
}
