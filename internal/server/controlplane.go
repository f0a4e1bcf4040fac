package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// policyName maps the URL form to the stored document name
// (evidence-gate → evidence_gate).
func policyName(r *http.Request) string {
	return strings.ReplaceAll(r.PathValue("name"), "-", "_")
}

func (s *Server) handlePolicyActive(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	pv, err := s.deps.Policies.Active(r.Context(), tenantID, siteID, policyName(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func (s *Server) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	versions, err := s.deps.Policies.ListVersions(r.Context(), tenantID, siteID, policyName(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "total": len(versions)})
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	var pv models.PolicyVersion
	if err := decodeJSON(r, &pv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pv.Name = policyName(r)
	if pv.Version == "" || len(pv.Content) == 0 {
		writeError(w, http.StatusBadRequest, "version and content are required")
		return
	}
	if err := s.deps.Policies.Create(r.Context(), tenantID, siteID, pv); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pv)
}

func (s *Server) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	name, version := policyName(r), r.PathValue("version")
	if err := s.deps.Policies.SetActiveVersion(r.Context(), tenantID, siteID, name, version); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	pv, err := s.deps.Policies.Version(r.Context(), tenantID, siteID, name, version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// handlePolicyExport returns the active document as a download.
func (s *Server) handlePolicyExport(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	name := policyName(r)
	pv, err := s.deps.Policies.Active(r.Context(), tenantID, siteID, name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+"-"+pv.Version+`.json"`)
	writeJSON(w, http.StatusOK, pv)
}

type releaseCreateRequest struct {
	Name    string                `json:"name"`
	Payload models.ReleasePayload `json:"payload"`
}

func (s *Server) handleReleaseCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req releaseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	release, err := s.deps.Releases.Create(r.Context(), tenantID, siteID, req.Name, req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, release)
}

func (s *Server) handleReleaseList(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	releases, err := s.deps.Releases.List(r.Context(), tenantID, siteID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": releases, "total": len(releases)})
}

func (s *Server) handleReleaseActive(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	release, err := s.deps.Releases.Active(r.Context(), tenantID, siteID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handleReleaseHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.deps.Releases.History(r.Context(), tenantID, siteID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history, "total": len(history)})
}

func (s *Server) handleReleaseActivate(w http.ResponseWriter, r *http.Request) {
	s.releaseTransition(w, r, s.deps.Releases.Activate)
}

func (s *Server) handleReleaseRollback(w http.ResponseWriter, r *http.Request) {
	s.releaseTransition(w, r, s.deps.Releases.Rollback)
}

func (s *Server) releaseTransition(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, tenantID, siteID, id, actor string) error) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	actor := r.Header.Get("X-User-ID")
	if err := transition(r.Context(), tenantID, siteID, id, actor); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	release, err := s.deps.Releases.Get(r.Context(), tenantID, siteID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handleExperimentCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	var exp models.Experiment
	if err := decodeJSON(r, &exp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	exp.TenantID, exp.SiteID = tenantID, siteID
	created, err := s.deps.Experiments.Create(r.Context(), exp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleExperimentList(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	status := models.ExperimentStatus(r.URL.Query().Get("status"))
	experiments, err := s.deps.Experiments.List(r.Context(), tenantID, siteID, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": experiments, "total": len(experiments)})
}

func (s *Server) handleExperimentActive(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	experiments, err := s.deps.Experiments.List(r.Context(), tenantID, siteID, models.ExperimentActive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": experiments, "total": len(experiments)})
}

func (s *Server) handleExperimentGet(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	exp, err := s.deps.Experiments.Get(r.Context(), tenantID, siteID, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleExperimentStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	var body struct {
		Status models.ExperimentStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Experiments.SetStatus(r.Context(), tenantID, siteID, id, body.Status); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	exp, err := s.deps.Experiments.Get(r.Context(), tenantID, siteID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleExperimentAssign(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	experimentID := q.Get("experiment_id")
	subjectKey := q.Get("subject_key")
	if experimentID == "" || subjectKey == "" {
		writeError(w, http.StatusBadRequest, "experiment_id and subject_key are required")
		return
	}
	assignment, err := s.deps.Experiments.Assign(r.Context(), tenantID, siteID, experimentID, subjectKey)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleExperimentABSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	experimentID := q.Get("experiment_id")
	if experimentID == "" {
		writeError(w, http.StatusBadRequest, "experiment_id is required")
		return
	}
	window := 7 * 24 * time.Hour
	if rangeParam := q.Get("range"); rangeParam != "" {
		d, err := time.ParseDuration(rangeParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "range must be a duration like 24h")
			return
		}
		window = d
	}
	summary, err := s.deps.Experiments.ABSummary(r.Context(), tenantID, siteID, experimentID, time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiment_id": experimentID, "variants": summary})
}
