package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/liamcoop/automations/contextprovider"
	"github.com/liamcoop/automations/executor"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
	"github.com/liamcoop/automations/scheduler"
)

const maxBodyBytes = 1 << 20

// Dependencies are the components the HTTP API serves. Tracker,
// Scheduler, Metrics and Health are optional.
type Dependencies struct {
	Store    rules.RuleStore
	Manager  *rules.Manager
	Engine   *rules.Engine
	Provider rules.ContextProvider

	Tracker   *contextprovider.Tracker
	Scheduler *scheduler.Scheduler
	Metrics   http.Handler
	Health    func(ctx context.Context) error

	PassesPerSecond float64
	PassBurst       int
	RequestTimeout  time.Duration
	Logger          *slog.Logger
}

type Server struct {
	deps     Dependencies
	limiters *passLimiters
	router   *chi.Mux
	log      *slog.Logger
}

func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Logger
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		deps:     deps,
		limiters: newPassLimiters(deps.PassesPerSecond, deps.PassBurst),
		log:      deps.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.deps.RequestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Get("/api/v1/deeplink", s.handleDeepLink)

	// Rules addressed by ID alone. HTTPRuleStore.Get and disable-rule deep
	// links only carry the rule ID, so these routes do not check the owner;
	// deployments expose them to the dispatcher and the desktop client only.
	r.Route("/api/v1/rules/{ruleId}", func(r chi.Router) {
		r.Get("/", s.handleGetRuleByID)
		r.Post("/disable", s.handleDisableRule)
	})

	r.Route("/api/v1/users", func(r chi.Router) {
		r.Get("/", s.handleListUsers)

		r.Route("/{userId}", func(r chi.Router) {
			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Patch("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
			r.Post("/rules/{ruleId}/triggered", s.handleMarkTriggered)

			r.Post("/passes", s.handleRunPass)
			r.Post("/activity", s.handleReportActivity)
			r.Get("/context", s.handleGetContext)
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
		started := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, false, map[string]string{"status": "unhealthy"}, err.Error())
			return
		}
	}
	body := map[string]any{"status": "healthy"}
	if s.deps.Scheduler != nil {
		body["scheduledUsers"] = len(s.deps.Scheduler.ListUsers())
	}
	respondData(w, http.StatusOK, body)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.deps.Store.(rules.UserLister)
	if !ok {
		respondError(w, http.StatusNotImplemented, "store cannot enumerate users")
		return
	}
	ids, err := lister.ListUserIDs(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondData(w, http.StatusOK, ids)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Manager.List(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondData(w, http.StatusOK, list)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	var def rules.RuleDefinition
	if err := decodeBody(r, &def); err != nil {
		s.respondErr(w, r, err)
		return
	}
	rule, err := s.deps.Manager.Create(r.Context(), userID, def)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if s.deps.Scheduler != nil {
		_ = s.deps.Scheduler.AddUser(userID)
	}
	respondData(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Manager.Get(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "ruleId"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondData(w, http.StatusOK, rule)
}

// handleGetRuleByID serves HTTPRuleStore.Get.
func (s *Server) handleGetRuleByID(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondData(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch rules.RulePatch
	if err := decodeBody(r, &patch); err != nil {
		s.respondErr(w, r, err)
		return
	}
	rule, err := s.deps.Manager.Update(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "ruleId"), patch)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondData(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Delete(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "ruleId")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

func (s *Server) handleMarkTriggered(w http.ResponseWriter, r *http.Request) {
	var req rules.TriggeredRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if req.TriggeredAt.IsZero() {
		s.respondErr(w, r, &rules.ConfigurationError{Field: "triggeredAt", Reason: "is required"})
		return
	}
	err := s.deps.Store.MarkTriggered(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "ruleId"), req.TriggeredAt, req.ExpectedVersion)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.disable(w, r, chi.URLParam(r, "ruleId"))
}

func (s *Server) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	id, err := executor.ParseDisableRuleLink(r.URL.Query().Get("url"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.disable(w, r, id)
}

func (s *Server) disable(w http.ResponseWriter, r *http.Request, id string) {
	rule, err := s.deps.Manager.Disable(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.log.Info("rule disabled", "rule_id", rule.ID, "user_id", rule.UserID)
	respondData(w, http.StatusOK, rule)
}

// handleRunPass runs an on-demand pass. An empty body takes a snapshot
// from the context provider; otherwise the body is the snapshot.
func (s *Server) handleRunPass(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !s.limiters.allow(userID) {
		respondError(w, http.StatusTooManyRequests, "pass rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var (
		ectx     *rules.EvaluationContext
		snapshot bool
	)
	if len(strings.TrimSpace(string(body))) == 0 {
		if s.deps.Provider == nil {
			respondError(w, http.StatusBadRequest, "no context provider configured; send a context in the body")
			return
		}
		if ectx, err = s.deps.Provider.Snapshot(r.Context(), userID); err != nil {
			s.respondErr(w, r, err)
			return
		}
		snapshot = true
	} else {
		ectx = &rules.EvaluationContext{}
		if err := json.Unmarshal(body, ectx); err != nil {
			s.respondErr(w, r, &rules.ConfigurationError{Field: "context", Reason: err.Error()})
			return
		}
	}

	res, err := s.deps.Engine.RunPass(r.Context(), userID, ectx)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if c, ok := s.deps.Provider.(rules.SnapshotCommitter); ok && snapshot && !res.Aborted {
		c.Commit(userID, ectx)
	}
	respondData(w, http.StatusOK, res)
}

func (s *Server) handleReportActivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		respondError(w, http.StatusNotImplemented, "activity ingest requires the memory context provider")
		return
	}
	userID := chi.URLParam(r, "userId")

	var report contextprovider.ActivityReport
	if err := decodeBody(r, &report); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Tracker.Report(r.Context(), userID, report); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if s.deps.Scheduler != nil {
		_ = s.deps.Scheduler.AddUser(userID)
	}
	respondData(w, http.StatusAccepted, nil)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		respondError(w, http.StatusNotImplemented, "context is served by the memory context provider only")
		return
	}
	respondData(w, http.StatusOK, s.deps.Tracker.Peek(chi.URLParam(r, "userId")))
}

// decodeBody decodes a JSON body into v. Malformed input is a
// ConfigurationError.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if rules.IsConfigurationError(err) {
			return err
		}
		return &rules.ConfigurationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case rules.IsConfigurationError(err):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrVersionConflict), errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case rules.IsTransportError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	respondError(w, status, err.Error())
}

func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, true, data, "")
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, false, nil, message)
}

func respondJSON(w http.ResponseWriter, status int, success bool, data any, message string) {
	env := rules.Envelope{Success: success, Error: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			status = http.StatusInternalServerError
			env = rules.Envelope{Error: "failed to encode response"}
		} else {
			env.Data = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// passLimiters holds one token bucket per user for on-demand passes.
type passLimiters struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	byUser map[string]*rate.Limiter
}

func newPassLimiters(perSecond float64, burst int) *passLimiters {
	if perSecond <= 0 {
		return &passLimiters{limit: rate.Inf}
	}
	if burst < 1 {
		burst = 1
	}
	return &passLimiters{limit: rate.Limit(perSecond), burst: burst, byUser: map[string]*rate.Limiter{}}
}

func (p *passLimiters) allow(userID string) bool {
	if p.limit == rate.Inf {
		return true
	}
	p.mu.Lock()
	l, ok := p.byUser[userID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.byUser[userID] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
