package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whaac1289-debug/dlp-agent/internal/audit"
	"github.com/whaac1289-debug/dlp-agent/internal/config"
	"github.com/whaac1289-debug/dlp-agent/internal/decision"
	"github.com/whaac1289-debug/dlp-agent/internal/pii"
	"github.com/whaac1289-debug/dlp-agent/internal/pipeline"
	"github.com/whaac1289-debug/dlp-agent/internal/policy"
	"github.com/whaac1289-debug/dlp-agent/internal/rules"
)

const maxBodyBytes = 4 << 20

// Querier answers synchronous path queries; *pipeline.Scanner implements it.
type Querier interface {
	Query(ctx context.Context, path string, pid int32, driveType string) (*pipeline.Result, error)
}

// StatusSource reports the policy updater state; *policy.Updater implements it.
type StatusSource interface {
	Status() policy.Status
}

// SettingsSource supplies live settings; *config.Manager implements it.
type SettingsSource interface {
	Current() config.Settings
}

// Deps are the collaborators served over HTTP. Any of them may be nil; the
// matching routes then answer 503.
type Deps struct {
	Engine    *rules.Engine
	Querier   Querier
	Decisions *audit.MemoryStore
	Status    StatusSource
	Settings  SettingsSource
	Metrics   http.Handler
	Ready     func() bool
	Logger    *slog.Logger
}

// Server exposes health, inspection and evaluation endpoints.
type Server struct {
	r      *chi.Mux
	deps   Deps
	logger *slog.Logger
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{r: chi.NewRouter(), deps: deps, logger: logger}

	s.r.Use(middleware.RequestID)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		s.r.Handle("/metrics", s.deps.Metrics)
	}

	s.r.Get("/rules", s.handleRules)
	s.r.Get("/policy", s.handlePolicy)
	s.r.Get("/decisions", s.handleDecisions)
	s.r.Get("/decisions/{id}", s.handleDecision)

	s.r.Route("/v1", func(r chi.Router) {
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/query", s.handleQuery)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if s.deps.Engine != nil {
		snap := s.deps.Engine.Snapshot()
		resp["policy_version"] = snap.Version
		resp["rules"] = snap.Len()
	}
	if s.deps.Decisions != nil {
		resp["decisions"] = s.deps.Decisions.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}
	snap := s.deps.Engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    snap.Version,
		"generation": snap.Generation,
		"loaded_at":  snap.LoadedAt,
		"thresholds": snap.Thresholds(),
		"count":      snap.Len(),
		"rules":      snap.Rules(),
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if s.deps.Status != nil {
		resp["status"] = s.deps.Status.Status()
	}
	if s.deps.Settings != nil {
		resp["settings"] = s.deps.Settings.Current()
	}
	if len(resp) == 0 {
		writeError(w, http.StatusServiceUnavailable, "policy status not available")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, http.StatusServiceUnavailable, "decision log not available")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var events []*audit.Event
	if d := r.URL.Query().Get("decision"); d != "" {
		events = s.deps.Decisions.ByDecision(strings.ToUpper(d), limit)
	} else {
		events = s.deps.Decisions.Recent(limit)
	}
	if events == nil {
		events = []*audit.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": events,
		"count":     len(events),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, http.StatusServiceUnavailable, "decision log not available")
		return
	}
	ev, ok := s.deps.Decisions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// EvaluateRequest asks for a decision on a piece of text.
type EvaluateRequest struct {
	Text        string        `json:"text"`
	FullHash    string        `json:"full_hash,omitempty"`
	PartialHash string        `json:"partial_hash,omitempty"`
	Context     rules.Context `json:"context"`
}

// EvaluateResponse carries the matches and both decision stages.
type EvaluateResponse struct {
	Version  string                  `json:"policy_version"`
	Matches  []rules.Match           `json:"matches"`
	PII      []pii.Detection         `json:"pii"`
	Rule     rules.Decision          `json:"rule_decision"`
	Decision decision.PolicyDecision `json:"decision"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var settings config.Settings
	if s.deps.Settings != nil {
		settings = s.deps.Settings.Current()
	}

	snap := s.deps.Engine.Snapshot()
	matches := snap.ScanText(req.Text)
	matches = append(matches, snap.ScanHashes(req.FullHash, req.PartialHash)...)
	detections := pii.Detect(req.Text, settings.NationalIDPatterns)

	ctx := req.Context
	if len(detections) > 0 {
		ctx.ContainsPII = true
	}
	if !ctx.KeywordHit {
		lower := strings.ToLower(req.Text)
		for _, kw := range settings.ContentKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				ctx.KeywordHit = true
				break
			}
		}
	}

	rd := snap.Evaluate(ctx, matches)
	if matches == nil {
		matches = []rules.Match{}
	}
	if detections == nil {
		detections = []pii.Detection{}
	}
	writeJSON(w, http.StatusOK, EvaluateResponse{
		Version:  snap.Version,
		Matches:  matches,
		PII:      detections,
		Rule:     rd,
		Decision: decision.Resolve(rd, ctx.RemovableDrive, settings.AlertOnRemovable),
	})
}

// QueryRequest is a synchronous open check for a path.
type QueryRequest struct {
	Path      string `json:"path"`
	PID       int32  `json:"pid"`
	DriveType string `json:"drive_type,omitempty"`
}

// QueryResponse is the reply the kernel filter understands: block, alert or
// allow, plus a numeric rule id.
type QueryResponse struct {
	Action     string `json:"action"`
	RuleIDHash uint32 `json:"rule_id_hash"`
	Severity   int    `json:"severity"`
	Decision   string `json:"decision"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Querier == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner not available")
		return
	}

	var req QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	result, err := s.deps.Querier.Query(r.Context(), req.Path, req.PID, req.DriveType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, queryResponse(result))
}

func queryResponse(result *pipeline.Result) QueryResponse {
	action := "allow"
	switch {
	case result.Policy.ShouldBlockDriver():
		action = "block"
	case result.Policy.Action == rules.ActionAlert:
		action = "alert"
	}
	return QueryResponse{
		Action:     action,
		RuleIDHash: decision.PolicyDecision{RuleID: result.Rule.RuleID}.RuleIDHash(),
		Severity:   int(result.Rule.Severity),
		Decision:   string(result.Policy.Decision),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
