package server

import (
	"net/http"
	"strconv"

	"github.com/lorekeep/lorekeep/pkg/models"
)

func (s *Server) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	pv, err := s.deps.Policies.Active(r.Context(), tenantID, siteID, "alerts")
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// handleAlertEvaluate runs one on-demand pass instead of waiting for the
// background worker.
func (s *Server) handleAlertEvaluate(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	report, err := s.deps.Evaluator.EvaluateSite(r.Context(), tenantID, siteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAlertSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	firing, err := s.deps.Alerts.Firing(r.Context(), tenantID, siteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	bySeverity := map[string]int{}
	for _, event := range firing {
		bySeverity[string(event.Severity)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"firing":      firing,
		"total":       len(firing),
		"by_severity": bySeverity,
	})
}

func (s *Server) handleAlertEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := s.deps.Alerts.List(r.Context(), tenantID, siteID, models.AlertEventStatus(q.Get("status")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

func (s *Server) handleSilenceList(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	silences, err := s.deps.Alerts.Silences(r.Context(), tenantID, siteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"silences": silences, "total": len(silences)})
}

func (s *Server) handleSilenceCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	var silence models.AlertSilence
	if err := decodeJSON(r, &silence); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	silence.TenantID, silence.SiteID = tenantID, siteID
	if silence.StartsAt.IsZero() || silence.EndsAt.IsZero() {
		writeError(w, http.StatusBadRequest, "starts_at and ends_at are required")
		return
	}
	created, err := s.deps.Alerts.CreateSilence(r.Context(), silence)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleSilenceDelete(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := requireScope(w, r); !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	if err := s.deps.Alerts.DeleteSilence(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
