package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aria5/riskcore/internal/advisory"
	"github.com/aria5/riskcore/internal/auth"
	"github.com/aria5/riskcore/internal/batch"
	"github.com/aria5/riskcore/internal/cascade"
	"github.com/aria5/riskcore/internal/config"
	"github.com/aria5/riskcore/internal/decision"
	"github.com/aria5/riskcore/internal/dedup"
	"github.com/aria5/riskcore/internal/graph"
	"github.com/aria5/riskcore/internal/notify"
	"github.com/aria5/riskcore/internal/pipeline"
	"github.com/aria5/riskcore/internal/queue"
	"github.com/aria5/riskcore/internal/scheduler"
	"github.com/aria5/riskcore/internal/scoring"
	"github.com/aria5/riskcore/internal/store"
	"github.com/aria5/riskcore/internal/threatintel"
	"github.com/aria5/riskcore/internal/trigger"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	queue  *queue.Queue
	graph  *graph.Graph
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	engine    *scoring.Engine
	batch     *batch.Batch
	notifier  *notify.Service
	predictor advisory.Predictor
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.queue, err = queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	s.graph, err = graph.New(graph.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing graph: %w", err)
	}

	s.userStore = auth.NewPostgresUserStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.notifier = notify.NewService(notify.Config{
		Slack: notify.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   "Risk Bot",
			IconEmoji:  ":chart_with_upwards_trend:",
			Enabled:    cfg.Notifications.Slack.Enabled,
		},
		Email: notify.EmailConfig{
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
			Enabled:  cfg.Notifications.Email.Enabled,
		},
	}, s.logger)

	s.predictor = buildPredictor(cfg, s.logger)
	s.engine = scoring.NewEngine(st, s.predictor, s.logger)

	var correlator trigger.Correlator
	if cfg.ThreatIntel.Enabled {
		correlator = threatintel.NewClient(threatintel.Config{
			BaseURL: cfg.ThreatIntel.BaseURL,
			APIKey:  cfg.ThreatIntel.APIKey,
			Timeout: cfg.ThreatIntel.Timeout,
		})
	}
	classifier := trigger.NewClassifier(correlator, s.logger)

	resolver := dedup.NewResolver(st, dedup.Config{
		ExactWindow:      cfg.Dedup.ExactWindow,
		MergeWindow:      cfg.Dedup.MergeWindow,
		TitleThreshold:   cfg.Dedup.TitleSimilarity,
		OverlapThreshold: cfg.Dedup.EvidenceOverlap,
	}, s.logger)
	if s.queue != nil {
		resolver.WithCache(s.queue)
	}

	propagator := cascade.NewPropagator(st, cascade.Config{
		ConfidenceThreshold: cfg.Cascade.ConfidenceThreshold,
		DecayFactor:         cfg.Cascade.ConfidenceDecay,
		MaxDepth:            cfg.Cascade.MaxDepth,
		ApprovalScoreBar:    cfg.Cascade.ApprovalScoreBar,
	}, s.logger)

	thresholds := decision.Thresholds{
		AutoApproveConfidence: cfg.Decision.AutoApproveConfidence,
		AutoApproveComposite:  cfg.Decision.AutoApproveComposite,
		PendingConfidence:     cfg.Decision.PendingConfidenceMin,
		PendingComposite:      cfg.Decision.PendingComposite,
		SuppressConfidence:    cfg.Decision.SuppressConfidenceMax,
		SuppressComposite:     cfg.Decision.SuppressCompositeMax,
		KEVCriticalityBar:     cfg.Decision.KEVShortcutCriticalityBar,
	}

	pipe := pipeline.New(st, classifier, resolver, propagator, thresholds, s.logger).
		WithNotifier(s.notifier)

	s.batch = batch.New(st, s.queue, pipe, s.engine, s.notifier, batch.Config{
		CycleInterval: cfg.Batch.CycleInterval,
		BatchSize:     cfg.Batch.BatchSize,
		Workers:       cfg.Batch.Workers,
		SLATarget:     cfg.Batch.SLATarget,
		SLAWindow:     cfg.Batch.SLAWindow,
		StuckTimeout:  cfg.Batch.StuckTimeout,
	})

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)
	s.registerJobHandlers()

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// buildPredictor assembles the advisory chain: LLM primary behind a timeout
// and circuit breaker, rule-based fallback. With the advisor disabled the
// fallback serves alone.
func buildPredictor(cfg *config.Config, logger *slog.Logger) advisory.Predictor {
	fallback := advisory.NewRulePredictor()
	if !cfg.Advisory.Enabled {
		return fallback
	}

	primary := advisory.NewClient(advisory.ClientConfig{
		APIKey:  cfg.Advisory.APIKey,
		BaseURL: cfg.Advisory.BaseURL,
		Model:   cfg.Advisory.Model,
	}, logger)

	return advisory.NewResilient(primary, fallback, advisory.ResilientConfig{
		Timeout:     cfg.Advisory.Timeout,
		MaxFailures: cfg.Advisory.BreakerFailures,
		Cooldown:    cfg.Advisory.BreakerCooldown,
	}, logger)
}

// registerJobHandlers wires the maintenance jobs: graph mirror sync, score
// history retention, the SLA digest, and a full rescore sweep.
func (s *Server) registerJobHandlers() {
	handlers := &scheduler.Handlers{
		SyncGraphFunc: s.syncDependencyGraph,
		CleanupHistoryFunc: func(ctx context.Context, olderThan time.Duration) error {
			pruned, err := s.store.PruneScoreHistory(ctx, olderThan)
			if err != nil {
				return err
			}
			s.logger.Info("score history pruned", "rows", pruned)
			return nil
		},
		SLADigestFunc:  s.sendSLADigest,
		RescoreAllFunc: s.rescoreAllServices,
	}
	handlers.Register(s.scheduler)
}

func (s *Server) syncDependencyGraph(ctx context.Context) error {
	services, err := s.store.ListServices(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}
	for i := range services {
		if err := s.graph.UpsertService(ctx, &services[i]); err != nil {
			return fmt.Errorf("mirroring service %s: %w", services[i].ID, err)
		}
	}

	edges, err := s.store.ListAllDependencies(ctx)
	if err != nil {
		return fmt.Errorf("listing dependencies: %w", err)
	}
	for i := range edges {
		if err := s.graph.UpsertDependency(ctx, &edges[i]); err != nil {
			return fmt.Errorf("mirroring edge %s: %w", edges[i].ID, err)
		}
	}

	s.logger.Info("dependency graph synced", "services", len(services), "edges", len(edges))
	return nil
}

// highRiskScoreBar marks the aggregate score above which a service's
// dependents are called out in the SLA digest.
const highRiskScoreBar = 70.0

func (s *Server) sendSLADigest(ctx context.Context) error {
	metrics, err := s.batch.SLACompliance(ctx)
	if err != nil {
		return fmt.Errorf("computing sla metrics: %w", err)
	}

	// The graph mirror is advisory; a failed lookup trims the digest, it
	// never blocks it.
	var dependents []string
	if paths, err := s.graph.HighRiskDependents(ctx, highRiskScoreBar); err != nil {
		s.logger.Warn("high-risk dependent lookup failed", "error", err)
	} else {
		for _, p := range paths {
			dependents = append(dependents, fmt.Sprintf("%s depends on %s", p.Source, p.Target))
		}
	}

	return s.notifier.NotifySLADigest(ctx, notify.SLADigest{
		WindowHours:        int(s.cfg.Batch.SLAWindow.Hours()),
		TotalEvents:        metrics.TotalEvents,
		WithinSLA:          metrics.WithinTarget,
		ComplianceRate:     metrics.ComplianceRate,
		FailedEvents:       metrics.TotalEvents - metrics.WithinTarget,
		HighRiskDependents: dependents,
	})
}

func (s *Server) rescoreAllServices(ctx context.Context) error {
	services, err := s.store.ListServices(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}
	for _, svc := range services {
		if _, err := s.engine.Recompute(ctx, svc.ID); err != nil {
			s.logger.Error("rescore failed", "service_id", svc.ID, "error", err)
		}
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Route("/events", func(r chi.Router) {
				r.Post("/", s.ingestEvent)
				r.Get("/{eventID}", s.getEvent)
				r.Get("/sla", s.getSLAMetrics)
				r.Get("/queue", s.getQueueStats)
			})

			r.Route("/services", func(r chi.Router) {
				r.Get("/", s.listServices)
				r.Post("/", s.createService)
				r.Get("/{serviceID}", s.getService)
				r.Get("/{serviceID}/risks", s.listServiceRisks)
				r.Get("/{serviceID}/history", s.getScoreHistory)
				r.Get("/{serviceID}/impact-paths", s.getImpactPaths)
				r.Post("/{serviceID}/dependencies", s.createDependency)
				r.Get("/{serviceID}/dependencies", s.listDependencies)
				r.Post("/{serviceID}/rescore", s.rescoreService)
			})

			r.Route("/risks", func(r chi.Router) {
				r.Get("/", s.listRisks)
				r.Get("/{riskID}", s.getRisk)
				r.Get("/{riskID}/associations", s.listRiskAssociations)
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst))
					r.Post("/{riskID}/approve", s.approveRisk)
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Post("/{jobID}/enable", s.enableScheduledJob)
				r.Post("/{jobID}/disable", s.disableScheduledJob)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})
		})
	})
}

// Run starts the scheduler, the batch drain loop, and the HTTP listener,
// and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	batchCtx, stopBatch := context.WithCancel(ctx)
	defer stopBatch()
	go s.batch.Run(batchCtx)

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		stopBatch()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
