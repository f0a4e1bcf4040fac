package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lorekeep/lorekeep/internal/memory"
	"github.com/lorekeep/lorekeep/pkg/models"
)

func (s *Server) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	record, err := s.deps.Traces.Get(r.Context(), tenantID, siteID, r.PathValue("trace_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if r.URL.Query().Get("include_session") != "true" || record.SessionID == "" {
		writeJSON(w, http.StatusOK, record)
		return
	}
	response := map[string]any{"trace": record}
	summary, err := s.deps.Sessions.SessionSummary(r.Context(), memory.Scope{
		TenantID:  tenantID,
		SiteID:    siteID,
		SessionID: record.SessionID,
		NPCID:     record.NPCID,
	}, 10)
	if err == nil {
		response["session"] = summary
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTraceUnified(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	unified, err := s.deps.Replay.Unified(r.Context(), tenantID, siteID, r.PathValue("trace_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, unified)
}

func (s *Server) handleTraceList(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := models.TraceFilter{
		TenantID:   tenantID,
		SiteID:     siteID,
		SessionID:  q.Get("session_id"),
		NPCID:      q.Get("npc_id"),
		PolicyMode: models.PolicyMode(q.Get("policy_mode")),
		Status:     models.TraceStatus(q.Get("status")),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}

	records, err := s.deps.Traces.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": records, "total": len(records)})
}

func (s *Server) sessionScope(r *http.Request) memory.Scope {
	tenantID, siteID, _ := scope(r)
	return memory.Scope{
		TenantID:  tenantID,
		SiteID:    siteID,
		SessionID: r.PathValue("session_id"),
		NPCID:     r.URL.Query().Get("npc_id"),
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := requireScope(w, r); !ok {
		return
	}
	summary, err := s.deps.Sessions.SessionSummary(r.Context(), s.sessionScope(r), 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("session_id")
	npcID := r.URL.Query().Get("npc_id")
	if err := s.deps.Sessions.ClearSession(r.Context(), tenantID, siteID, sessionID, npcID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handlePreferenceUpdate(w http.ResponseWriter, r *http.Request) {
	tenantID, siteID, ok := requireScope(w, r)
	if !ok {
		return
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var pref models.Preference
	if err := decodeJSON(r, &pref); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.deps.Sessions.UpdatePreference(r.Context(), tenantID, siteID, userID, pref); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pref)
}
