package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/internal/metrics"
	"github.com/liamcoop/automations/multitenantengine"
	"github.com/liamcoop/automations/rules"
)

const (
	defaultExecutionsLimit = 50
	maxExecutionsLimit     = 500
	slowRequestThreshold   = 2 * time.Second
)

type pinger interface {
	PingContext(ctx context.Context) error
}

// ServerDeps holds everything the HTTP layer needs. DB, Metrics and Limiter
// may be nil.
type ServerDeps struct {
	Rules          rules.RuleStore
	Executions     executionLister
	Tenants        TenantStore
	Engine         *multitenantengine.Engine
	DB             pinger
	Metrics        *metrics.Collector
	MetricsPath    string
	Limiter        *tenantLimiter
	Logger         *slog.Logger
	HandlerTimeout time.Duration
}

type executionLister interface {
	ListExecutionRecords(ctx context.Context, tenantID string, limit int) ([]*rules.ExecutionRecord, error)
}

type Server struct {
	rules      rules.RuleStore
	executions executionLister
	tenants    TenantStore
	engine     *multitenantengine.Engine
	db         pinger
	metrics    *metrics.Collector
	limiter    *tenantLimiter
	logger     *slog.Logger
	router     *chi.Mux
}

func NewServer(deps ServerDeps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		rules:      deps.Rules,
		executions: deps.Executions,
		tenants:    deps.Tenants,
		engine:     deps.Engine,
		db:         deps.DB,
		metrics:    deps.Metrics,
		limiter:    deps.Limiter,
		logger:     log,
	}

	timeout := deps.HandlerTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	metricsPath := deps.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s.setupRoutes(timeout, metricsPath)

	return s
}

func (s *Server) setupRoutes(timeout time.Duration, metricsPath string) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/trigger-types", s.handleTriggerTypes)
	if s.metrics != nil {
		r.Method(http.MethodGet, metricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			// Rule management
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)

			// Trigger intake
			r.Post("/triggers", s.handleTrigger)
			r.Post("/events/{event}", s.handleEvent)

			r.Get("/executions", s.handleListExecutions)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		logger.RecordHTTPStatus(status)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, status)
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			s.logger.Error("request failed", attrs...)
		case elapsed > slowRequestThreshold:
			logger.WarnSlowRequest()
			s.logger.Warn("slow request", attrs...)
		default:
			s.logger.Debug("request served", attrs...)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:                "healthy",
		PendingDelayedActions: s.engine.PendingDelayedActions(),
	})
}

func (s *Server) handleTriggerTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{
		"triggerTypes": s.engine.TriggerTypes(),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.tenants.ListTenants(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tenants": tenants,
	})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	tenant, err := s.tenants.CreateTenant(r.Context(), req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	s.logger.Info("tenant created", "tenant_id", tenant.ID)
	respondJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	rule := req.toRule(tenantID, id)

	if err := s.engine.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := s.rules.Add(r.Context(), rule); err != nil {
		if errors.Is(err, rules.ErrRuleExists) {
			respondError(w, http.StatusConflict, "rule already exists", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}
	s.engine.InvalidateRules(r.Context(), tenantID)

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	list, err := s.rules.List(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.rules.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		respondRuleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	existing, err := s.rules.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		respondRuleError(w, err)
		return
	}

	rule := req.toRule(tenantID, ruleID)
	rule.CreatedAt = existing.CreatedAt
	if err := s.engine.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := s.rules.Update(r.Context(), rule); err != nil {
		respondRuleError(w, err)
		return
	}
	s.engine.InvalidateRules(r.Context(), tenantID)

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.rules.Delete(r.Context(), tenantID, ruleID); err != nil {
		respondRuleError(w, err)
		return
	}
	s.engine.InvalidateRules(r.Context(), tenantID)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if !s.allow(w, tenantID) {
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := s.engine.ProcessTrigger(r.Context(), tenantID, rules.Trigger{
		Type:        req.Type,
		ContextData: req.ContextData,
	})
	s.respondTrigger(w, result, err)
}

// handleEvent accepts the builtin domain events in their entity form.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	event := chi.URLParam(r, "event")
	if !s.allow(w, tenantID) {
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ctx := r.Context()
	var (
		result *multitenantengine.TriggerResult
		err    error
	)
	switch event {
	case rules.TriggerClientAdded:
		result, err = s.engine.TriggerClientAdded(ctx, tenantID, entity(req.Client))
	case rules.TriggerClientUpdated:
		result, err = s.engine.TriggerClientUpdated(ctx, tenantID, entity(req.Client), req.Changes)
	case rules.TriggerClientContacted:
		result, err = s.engine.TriggerClientContacted(ctx, tenantID, entity(req.Client), req.Method)
	case rules.TriggerMatterOpened:
		result, err = s.engine.TriggerMatterOpened(ctx, tenantID, entity(req.Matter), entity(req.Client))
	case rules.TriggerDocumentUploaded:
		result, err = s.engine.TriggerDocumentUploaded(ctx, tenantID, entity(req.Document), entity(req.Matter))
	default:
		respondError(w, http.StatusNotFound, "unknown event", nil)
		return
	}
	s.respondTrigger(w, result, err)
}

// entity keeps absent entities out of the trigger payload.
func entity(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func (s *Server) allow(w http.ResponseWriter, tenantID string) bool {
	if s.limiter.Allow(tenantID) {
		return true
	}
	if s.metrics != nil {
		s.metrics.RateLimited()
	}
	w.Header().Set("Retry-After", "1")
	respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
	return false
}

func (s *Server) respondTrigger(w http.ResponseWriter, result *multitenantengine.TriggerResult, err error) {
	var loadErr *multitenantengine.RuleLoadError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, result)
	case errors.Is(err, multitenantengine.ErrEmptyTenant), errors.Is(err, multitenantengine.ErrUnknownTriggerType):
		respondError(w, http.StatusBadRequest, "invalid trigger", err)
	case errors.Is(err, multitenantengine.ErrEngineStopped):
		respondError(w, http.StatusServiceUnavailable, "engine stopped", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "trigger still processing", err)
	case errors.As(err, &loadErr):
		respondError(w, http.StatusBadGateway, "failed to load rules", err)
	default:
		respondError(w, http.StatusInternalServerError, "failed to process trigger", err)
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	limit := defaultExecutionsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxExecutionsLimit)
	}

	records, err := s.executions.ListExecutionRecords(r.Context(), tenantID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	if records == nil {
		records = []*rules.ExecutionRecord{}
	}

	respondJSON(w, http.StatusOK, ExecutionsListResponse{Executions: records})
}

func respondRuleError(w http.ResponseWriter, err error) {
	if errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondError(w, http.StatusInternalServerError, "rule store error", err)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
