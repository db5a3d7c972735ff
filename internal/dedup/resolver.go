package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/models"
)

// Outcome classifies a candidate risk against existing risks.
type Outcome string

const (
	OutcomeCreate   Outcome = "create"
	OutcomeMerge    Outcome = "merge"
	OutcomeSuppress Outcome = "suppress"
)

// Resolution is the resolver's verdict for one candidate.
type Resolution struct {
	Outcome         Outcome
	DedupeKey       string
	Existing        *models.Risk // set for merge and suppress
	SimilarityScore float64      // 1.0 for exact duplicates
	TitleSimilarity float64
	EvidenceOverlap float64
}

// Store is the slice of the relational store the resolver reads.
type Store interface {
	GetRiskByDedupeKey(ctx context.Context, key string, window time.Duration) (*models.Risk, error)
	ListMergeCandidates(ctx context.Context, serviceID uuid.UUID, category models.RiskCategory, window time.Duration) ([]models.Risk, error)
}

// Cache claims dedupe keys in Redis with a TTL, returning false when the key
// was already claimed. It closes the window where two workers resolve the
// same signal before either risk row commits; the relational lookup stays
// authoritative.
type Cache interface {
	CacheDedupeKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Config holds the dedupe windows and similarity thresholds.
type Config struct {
	ExactWindow      time.Duration // exact-key suppress window
	MergeWindow      time.Duration // near-duplicate candidate window
	TitleThreshold   float64       // Jaccard over title tokens
	OverlapThreshold float64       // Jaccard over evidence identifiers
}

func DefaultConfig() Config {
	return Config{
		ExactWindow:      24 * time.Hour,
		MergeWindow:      48 * time.Hour,
		TitleThreshold:   0.8,
		OverlapThreshold: 0.5,
	}
}

// Resolver decides whether a candidate risk is an exact duplicate, a
// near-duplicate of an active risk, or novel. Any lookup failure resolves
// to create: an extra duplicate beats a dropped signal.
type Resolver struct {
	store  Store
	cache  Cache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(st Store, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExactWindow == 0 {
		cfg.ExactWindow = 24 * time.Hour
	}
	if cfg.MergeWindow == 0 {
		cfg.MergeWindow = 48 * time.Hour
	}
	if cfg.TitleThreshold == 0 {
		cfg.TitleThreshold = 0.8
	}
	if cfg.OverlapThreshold == 0 {
		cfg.OverlapThreshold = 0.5
	}
	return &Resolver{store: st, cfg: cfg, logger: logger, now: time.Now}
}

// WithCache attaches the Redis-backed key claim. Without it the resolver
// relies on the relational lookup alone.
func (r *Resolver) WithCache(c Cache) *Resolver {
	r.cache = c
	return r
}

// Resolve classifies the candidate. The returned resolution always carries
// the computed dedupe key so the caller can stamp it onto a created risk.
func (r *Resolver) Resolve(ctx context.Context, candidate *models.Risk) *Resolution {
	now := r.now()
	key := Key(candidate, now)
	res := &Resolution{Outcome: OutcomeCreate, DedupeKey: key}

	existing, err := r.store.GetRiskByDedupeKey(ctx, key, r.cfg.ExactWindow)
	if err != nil {
		r.logger.Warn("dedupe key lookup failed, creating risk", "error", err)
		return res
	}
	if existing != nil {
		suppressExact(res, existing)
		return res
	}

	if r.cache != nil {
		fresh, err := r.cache.CacheDedupeKey(ctx, key, r.cfg.ExactWindow)
		if err != nil {
			r.logger.Warn("dedupe key claim failed", "error", err)
		} else if !fresh {
			// Another worker claimed this key first; its risk row may have
			// committed after our lookup. Check once more before creating.
			existing, err := r.store.GetRiskByDedupeKey(ctx, key, r.cfg.ExactWindow)
			if err == nil && existing != nil {
				suppressExact(res, existing)
				return res
			}
		}
	}

	candidates, err := r.store.ListMergeCandidates(ctx, candidate.ServiceID, candidate.Category, r.cfg.MergeWindow)
	if err != nil {
		r.logger.Warn("merge candidate lookup failed, creating risk", "error", err)
		return res
	}

	evidence := evidenceSet(candidate)
	titleTokens := tokenize(candidate.Title)

	var best *models.Risk
	var bestScore, bestTitle, bestOverlap float64

	for i := range candidates {
		c := &candidates[i]
		if c.ID == candidate.ID {
			continue
		}
		title := jaccard(titleTokens, tokenize(c.Title))
		overlap := jaccard(evidence, stringSet(c.IntelSources))
		if title < r.cfg.TitleThreshold || overlap < r.cfg.OverlapThreshold {
			continue
		}
		score := (title + overlap) / 2
		if score > bestScore {
			best = c
			bestScore, bestTitle, bestOverlap = score, title, overlap
		}
	}

	if best != nil {
		res.Outcome = OutcomeMerge
		res.Existing = best
		res.SimilarityScore = bestScore
		res.TitleSimilarity = bestTitle
		res.EvidenceOverlap = bestOverlap
	}
	return res
}

func suppressExact(res *Resolution, existing *models.Risk) {
	res.Outcome = OutcomeSuppress
	res.Existing = existing
	res.SimilarityScore = 1.0
	res.TitleSimilarity = 1.0
	res.EvidenceOverlap = 1.0
}

// Key derives the deterministic dedupe key for a candidate risk: a hash over
// tenant, service, category, calendar day, and the signal fingerprint.
func Key(risk *models.Risk, at time.Time) string {
	day := at.UTC().Format("2006-01-02")
	fp := fingerprint(risk)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", risk.TenantID, risk.ServiceID, risk.Category, day, fp)
	return hex.EncodeToString(h.Sum(nil))
}

// fingerprint hashes the normalized title plus the sorted actor, technique
// and indicator lists so field ordering cannot change the key.
func fingerprint(risk *models.Risk) string {
	parts := []string{normalizeTitle(risk.Title)}
	parts = append(parts, sortedLower(risk.ThreatActors)...)
	parts = append(parts, sortedLower(risk.Techniques)...)
	parts = append(parts, sortedLower(risk.Indicators)...)

	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func sortedLower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// evidenceSet is the union of the candidate's technique, actor and indicator
// identifiers, compared against an existing risk's stored intel sources.
func evidenceSet(risk *models.Risk) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range [][]string{risk.Techniques, risk.ThreatActors, risk.Indicators} {
		for _, v := range list {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" {
				set[v] = struct{}{}
			}
		}
	}
	return set
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
