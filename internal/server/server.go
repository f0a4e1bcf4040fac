// Package server exposes the HTTP surface: the tool RPC endpoints, the
// dialog endpoint, trace and session reads, the control-plane API, and
// the alert API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorekeep/lorekeep/internal/alerts"
	"github.com/lorekeep/lorekeep/internal/controlplane"
	"github.com/lorekeep/lorekeep/internal/memory"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/tool"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// ToolExecutor dispatches one validated tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, tc tool.Context, name string, input map[string]any) tool.Result
}

// ChatRunner runs one dialog turn. *dialog.Runtime satisfies it.
type ChatRunner interface {
	Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
}

// TraceStore reads the ledger. *trace.Ledger satisfies it.
type TraceStore interface {
	Get(ctx context.Context, tenantID, siteID, traceID string) (models.TraceRecord, error)
	List(ctx context.Context, filter models.TraceFilter) ([]models.TraceRecord, error)
	Metrics(ctx context.Context, filter models.TraceFilter) (models.TraceMetrics, error)
}

// ReplaySource builds the unified trace view. *trace.Replayer satisfies it.
type ReplaySource interface {
	Unified(ctx context.Context, tenantID, siteID, traceID string) (models.UnifiedTrace, error)
}

// PolicyAPI is the policy store surface the handlers need.
type PolicyAPI interface {
	Active(ctx context.Context, tenantID, siteID, name string) (models.PolicyVersion, error)
	Version(ctx context.Context, tenantID, siteID, name, version string) (models.PolicyVersion, error)
	ListVersions(ctx context.Context, tenantID, siteID, name string) ([]models.PolicyVersion, error)
	Create(ctx context.Context, tenantID, siteID string, pv models.PolicyVersion) error
	SetActiveVersion(ctx context.Context, tenantID, siteID, name, version string) error
}

// ReleaseAPI is the release store surface the handlers need.
type ReleaseAPI interface {
	Create(ctx context.Context, tenantID, siteID, name string, payload models.ReleasePayload) (models.Release, error)
	Get(ctx context.Context, tenantID, siteID, id string) (models.Release, error)
	Active(ctx context.Context, tenantID, siteID string) (models.Release, error)
	List(ctx context.Context, tenantID, siteID string, limit int) ([]models.Release, error)
	Activate(ctx context.Context, tenantID, siteID, id, actor string) error
	Rollback(ctx context.Context, tenantID, siteID, id, actor string) error
	History(ctx context.Context, tenantID, siteID string, limit int) ([]models.ReleaseHistory, error)
}

// ExperimentAPI is the experiment store surface the handlers need.
type ExperimentAPI interface {
	Create(ctx context.Context, exp models.Experiment) (models.Experiment, error)
	Get(ctx context.Context, tenantID, siteID, id string) (models.Experiment, error)
	List(ctx context.Context, tenantID, siteID string, status models.ExperimentStatus) ([]models.Experiment, error)
	SetStatus(ctx context.Context, tenantID, siteID, id string, status models.ExperimentStatus) error
	Assign(ctx context.Context, tenantID, siteID, experimentID, subjectKey string) (models.ExperimentAssignment, error)
	ABSummary(ctx context.Context, tenantID, siteID, experimentID string, since time.Time) ([]controlplane.VariantSummary, error)
}

// AlertAPI is the alert store surface the handlers need.
type AlertAPI interface {
	List(ctx context.Context, tenantID, siteID string, status models.AlertEventStatus, limit int) ([]models.AlertEvent, error)
	Firing(ctx context.Context, tenantID, siteID string) ([]models.AlertEvent, error)
	Silences(ctx context.Context, tenantID, siteID string) ([]models.AlertSilence, error)
	CreateSilence(ctx context.Context, silence models.AlertSilence) (models.AlertSilence, error)
	DeleteSilence(ctx context.Context, id int64) error
}

// AlertEvaluator runs one on-demand evaluation pass.
type AlertEvaluator interface {
	EvaluateSite(ctx context.Context, tenantID, siteID string) (alerts.Report, error)
}

// Deps collects everything the server serves.
type Deps struct {
	Registry    *tool.Registry
	Executor    ToolExecutor
	Chat        ChatRunner
	Traces      TraceStore
	Replay      ReplaySource
	Sessions    memory.Store
	Policies    PolicyAPI
	Releases    ReleaseAPI
	Experiments ExperimentAPI
	Alerts      AlertAPI
	Evaluator   AlertEvaluator
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	APIKey      string
}

// Server is the HTTP surface.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

// New builds the server and registers all routes.
func New(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /tools/list", s.handleToolsList)
	s.mux.HandleFunc("POST /tools/call", s.handleToolsCall)

	s.mux.HandleFunc("POST /v1/npc/chat", s.handleChat)

	s.mux.HandleFunc("GET /v1/traces", s.handleTraceList)
	s.mux.HandleFunc("GET /v1/traces/{trace_id}", s.handleTraceGet)
	s.mux.HandleFunc("GET /v1/traces/{trace_id}/unified", s.handleTraceUnified)

	s.mux.HandleFunc("GET /v1/sessions/{session_id}", s.handleSessionGet)
	s.mux.HandleFunc("DELETE /v1/sessions/{session_id}", s.handleSessionClear)
	s.mux.HandleFunc("PUT /v1/sessions/{session_id}/preference", s.handlePreferenceUpdate)

	s.mux.HandleFunc("GET /v1/policies/{name}/active", s.handlePolicyActive)
	s.mux.HandleFunc("GET /v1/policies/{name}/versions", s.handlePolicyVersions)
	s.mux.HandleFunc("POST /v1/policies/{name}", s.handlePolicyCreate)
	s.mux.HandleFunc("POST /v1/policies/{name}/rollback/{version}", s.handlePolicyRollback)
	s.mux.HandleFunc("POST /v1/policies/{name}/export", s.handlePolicyExport)

	s.mux.HandleFunc("POST /v1/releases", s.handleReleaseCreate)
	s.mux.HandleFunc("GET /v1/releases", s.handleReleaseList)
	s.mux.HandleFunc("GET /v1/releases/active", s.handleReleaseActive)
	s.mux.HandleFunc("GET /v1/releases/history", s.handleReleaseHistory)
	s.mux.HandleFunc("POST /v1/releases/{id}/activate", s.handleReleaseActivate)
	s.mux.HandleFunc("POST /v1/releases/{id}/rollback", s.handleReleaseRollback)

	s.mux.HandleFunc("POST /v1/experiments", s.handleExperimentCreate)
	s.mux.HandleFunc("GET /v1/experiments", s.handleExperimentList)
	s.mux.HandleFunc("GET /v1/experiments/active", s.handleExperimentActive)
	s.mux.HandleFunc("GET /v1/experiments/assign", s.handleExperimentAssign)
	s.mux.HandleFunc("GET /v1/experiments/ab-summary", s.handleExperimentABSummary)
	s.mux.HandleFunc("GET /v1/experiments/{id}", s.handleExperimentGet)
	s.mux.HandleFunc("PATCH /v1/experiments/{id}/status", s.handleExperimentStatus)

	s.mux.HandleFunc("GET /v1/alerts/rules", s.handleAlertRules)
	s.mux.HandleFunc("GET /v1/alerts/evaluate", s.handleAlertEvaluate)
	s.mux.HandleFunc("GET /v1/alerts/summary", s.handleAlertSummary)
	s.mux.HandleFunc("GET /v1/alerts/events", s.handleAlertEvents)
	s.mux.HandleFunc("GET /v1/alerts/silences", s.handleSilenceList)
	s.mux.HandleFunc("POST /v1/alerts/silences", s.handleSilenceCreate)
	s.mux.HandleFunc("DELETE /v1/alerts/silences/{id}", s.handleSilenceDelete)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withMetrics(h)
	h = s.withAuth(h)
	h = s.withCorrelation(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// scope pulls the tenant and site for a scoped endpoint. Headers win;
// query parameters are accepted for browser-driven reads.
func scope(r *http.Request) (tenantID, siteID string, ok bool) {
	tenantID = r.Header.Get("X-Tenant-ID")
	siteID = r.Header.Get("X-Site-ID")
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if siteID == "" {
		siteID = r.URL.Query().Get("site_id")
	}
	return tenantID, siteID, tenantID != "" && siteID != ""
}

func requireScope(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tenantID, siteID, ok := scope(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID and X-Site-ID are required")
	}
	return tenantID, siteID, ok
}
