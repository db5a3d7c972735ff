package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/auth"
	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/scheduler"
	"github.com/aria5/riskcore/internal/store"
)

// --- Auth handlers ---

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "Email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
		All          bool   `json:"all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}

	var err error
	if req.All {
		err = s.authService.LogoutAll(r.Context(), claims.UserID)
	} else {
		err = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "logout_failed", "Failed to revoke tokens")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	user, err := s.userStore.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}

	respondJSON(w, http.StatusOK, user)
}

// --- Event handlers ---

type ingestRequest struct {
	Type       models.EventType     `json:"type"`
	Source     string               `json:"source"`
	ServiceID  *uuid.UUID           `json:"service_id,omitempty"`
	Priority   models.EventPriority `json:"priority,omitempty"`
	Payload    models.JSONB         `json:"payload"`
	OccurredAt *time.Time           `json:"occurred_at,omitempty"`
}

// ingestEvent accepts an event, persists it, and mirrors it onto the Redis
// queue. Enqueue failures are logged and swallowed: the batch sweep picks up
// anything the mirror misses.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}

	switch req.Type {
	case models.EventRiskSignal, models.EventServiceChange,
		models.EventRiskApproval, models.EventScoreRecompute:
	default:
		respondError(w, http.StatusBadRequest, "validation_error", "Unknown event type")
		return
	}
	if req.Source == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "Source is required")
		return
	}
	if req.Type == models.EventRiskSignal && req.ServiceID == nil {
		respondError(w, http.StatusBadRequest, "validation_error", "Risk signals require a service_id")
		return
	}

	if req.ServiceID != nil {
		svc, err := s.store.GetService(r.Context(), *req.ServiceID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "db_error", "Failed to look up service")
			return
		}
		if svc == nil {
			respondError(w, http.StatusBadRequest, "validation_error", "Unknown service")
			return
		}
	}

	event := &models.Event{
		ID:        uuid.New(),
		Type:      req.Type,
		Source:    req.Source,
		ServiceID: req.ServiceID,
		Priority:  req.Priority,
		Payload:   req.Payload,
	}
	if event.Priority == "" {
		event.Priority = models.PriorityMedium
	}
	if req.OccurredAt != nil {
		event.OccurredAt = *req.OccurredAt
	} else {
		event.OccurredAt = time.Now()
	}

	if err := s.store.CreateEvent(r.Context(), event); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to persist event")
		return
	}

	if err := s.queue.Enqueue(r.Context(), event); err != nil {
		s.logger.Warn("failed to enqueue event", "event_id", event.ID, "error", err)
	}

	respondJSON(w, http.StatusAccepted, event)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid event ID")
		return
	}

	event, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to get event")
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "not_found", "Event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

func (s *Server) getSLAMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.batch.SLACompliance(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to compute SLA metrics")
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", "Failed to read queue stats")
		return
	}

	workers, err := s.queue.ActiveWorkers(r.Context(), time.Minute)
	if err == nil {
		stats["active_workers"] = int64(len(workers))
	}

	respondJSON(w, http.StatusOK, stats)
}

// --- Service handlers ---

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	var criticality *models.CriticalityLevel
	if c := r.URL.Query().Get("criticality"); c != "" {
		level := models.CriticalityLevel(c)
		criticality = &level
	}

	services, err := s.store.ListServices(r.Context(), criticality)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list services")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, services, &apiMeta{Total: len(services)})
}

func (s *Server) createService(w http.ResponseWriter, r *http.Request) {
	var svc models.ServiceNode
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}
	if svc.Name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "Name is required")
		return
	}
	if svc.Criticality == "" {
		svc.Criticality = models.CriticalityMedium
	}
	if claims, ok := auth.GetUserFromContext(r.Context()); ok && svc.TenantID == "" {
		svc.TenantID = claims.TenantID
	}

	if err := s.store.CreateService(r.Context(), &svc); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to create service")
		return
	}

	if err := s.graph.UpsertService(r.Context(), &svc); err != nil {
		s.logger.Warn("failed to mirror service to graph", "service_id", svc.ID, "error", err)
	}

	respondJSON(w, http.StatusCreated, svc)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service ID")
		return
	}

	svc, err := s.store.GetService(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to get service")
		return
	}
	if svc == nil {
		respondError(w, http.StatusNotFound, "not_found", "Service not found")
		return
	}

	respondJSON(w, http.StatusOK, svc)
}

func (s *Server) listServiceRisks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service ID")
		return
	}

	risks, err := s.store.ListActiveRisksForService(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list risks")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, risks, &apiMeta{Total: len(risks)})
}

func (s *Server) getScoreHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service ID")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	history, err := s.store.ListScoreHistory(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list score history")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, history, &apiMeta{Total: len(history), Limit: limit})
}

func (s *Server) getImpactPaths(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service ID")
		return
	}

	maxHops := 3
	if h := r.URL.Query().Get("max_hops"); h != "" {
		if parsed, err := strconv.Atoi(h); err == nil && parsed > 0 && parsed <= 5 {
			maxHops = parsed
		}
	}

	paths, err := s.graph.FindImpactPaths(r.Context(), id, maxHops)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", "Failed to query impact paths")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, paths, &apiMeta{Total: len(paths)})
}

func (s *Server) createDependency(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service ID")
		return
	}

	var edge models.ServiceDependencyEdge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}
	edge.ServiceID = id

	if edge.DependsOnServiceID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "depends_on_service_id is required")
		return
	}
	if edge.DependsOnServiceID == id {
		respondError(w, http.StatusBadRequest, "validation_error", "A service cannot depend on itself")
		return
	}
	if edge.DependencyType == "" {
		edge.DependencyType = models.DependencyFunctional
	}
	if edge.Criticality == "" {
		edge.Criticality = models.CriticalityMedium
	}

	target, err := s.store.GetService(r.Context(), edge.DependsOnServiceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to look up target service")
		return
	}
	if target == nil {
		respondError(w, http.StatusBadRequest, "validation_error", "Unknown target service")
		return
	}

	if err := s.store.CreateDependency(r.Context(), &edge); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to create dependency")
		return
	}

	if err := s.graph.UpsertDependency(r.Context(), &edge); err != nil {
		s.logger.Warn("failed to mirror dependency to graph", "edge_id", edge.ID, "error", err)
	}

	respondJSON(w, http.StatusCreated, edge)
}

func (s *Server) listDependencies(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service ID")
		return
	}

	var edges []models.ServiceDependencyEdge
	if r.URL.Query().Get("direction") == "dependents" {
		edges, err = s.store.ListDependents(r.Context(), id)
	} else {
		edges, err = s.store.ListDependencies(r.Context(), id)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list dependencies")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, edges, &apiMeta{Total: len(edges)})
}

func (s *Server) rescoreService(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service ID")
		return
	}

	result, err := s.engine.Recompute(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "scoring_error", "Failed to recompute score")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// --- Risk handlers ---

func (s *Server) listRisks(w http.ResponseWriter, r *http.Request) {
	filters := store.ListRiskFilters{Limit: 50}

	q := r.URL.Query()
	if sid := q.Get("service_id"); sid != "" {
		id, err := uuid.Parse(sid)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_id", "Invalid service_id filter")
			return
		}
		filters.ServiceID = &id
	}
	if c := q.Get("category"); c != "" {
		category := models.RiskCategory(c)
		filters.Category = &category
	}
	if st := q.Get("state"); st != "" {
		state := models.RiskState(st)
		filters.State = &state
	}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			filters.Limit = parsed
		}
	}
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			filters.Offset = parsed
		}
	}

	risks, total, err := s.store.ListRisks(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list risks")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, risks, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getRisk(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "riskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid risk ID")
		return
	}

	risk, err := s.store.GetRisk(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to get risk")
		return
	}
	if risk == nil {
		respondError(w, http.StatusNotFound, "not_found", "Risk not found")
		return
	}

	respondJSON(w, http.StatusOK, risk)
}

func (s *Server) listRiskAssociations(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "riskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid risk ID")
		return
	}

	assocs, err := s.store.ListAssociationsByRisk(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list associations")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, assocs, &apiMeta{Total: len(assocs)})
}

// approveRisk records an approval decision as an event. The batch processor
// applies the transition, so review decisions flow through the same
// exactly-once machinery as everything else.
func (s *Server) approveRisk(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "riskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid risk ID")
		return
	}

	var req struct {
		Approved bool   `json:"approved"`
		Note     string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}

	risk, err := s.store.GetRisk(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to get risk")
		return
	}
	if risk == nil {
		respondError(w, http.StatusNotFound, "not_found", "Risk not found")
		return
	}
	if risk.ApprovalStatus != models.ApprovalPending {
		respondError(w, http.StatusConflict, "invalid_state", "Risk is not pending approval")
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())

	payload := models.JSONB{
		"risk_id":  id.String(),
		"approved": req.Approved,
	}
	if req.Note != "" {
		payload["note"] = req.Note
	}
	if claims != nil {
		payload["reviewed_by"] = claims.UserID
	}

	event := &models.Event{
		ID:         uuid.New(),
		Type:       models.EventRiskApproval,
		Source:     "api",
		ServiceID:  &risk.ServiceID,
		Priority:   models.PriorityHigh,
		Payload:    payload,
		OccurredAt: time.Now(),
	}

	if err := s.store.CreateEvent(r.Context(), event); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to record approval")
		return
	}

	if err := s.queue.Enqueue(r.Context(), event); err != nil {
		s.logger.Warn("failed to enqueue approval event", "event_id", event.ID, "error", err)
	}

	respondJSON(w, http.StatusAccepted, event)
}

// --- Scheduled job handlers ---

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list jobs")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, jobs, &apiMeta{Total: len(jobs)})
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var job scheduler.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}
	if job.Name == "" || job.Schedule == "" || job.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "Name, schedule, and job_type are required")
		return
	}

	if err := s.scheduler.AddJob(r.Context(), &job); err != nil {
		respondError(w, http.StatusInternalServerError, "scheduler_error", "Failed to create job")
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.schedulerStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to load job")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":       job,
		"next_runs": s.scheduler.GetNextRuns(jobID, 5),
	})
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), jobID); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scheduler_error", "Failed to delete job")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) enableScheduledJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, true)
}

func (s *Server) disableScheduledJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, false)
}

func (s *Server) setJobEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	jobID := chi.URLParam(r, "jobID")

	if err := s.scheduler.SetEnabled(r.Context(), jobID, enabled); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scheduler_error", "Failed to update job")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), jobID); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "scheduler_error", "Failed to run job")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), jobID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to list executions")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, execs, &apiMeta{Total: len(execs), Limit: limit})
}
