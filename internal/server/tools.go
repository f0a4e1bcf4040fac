package server

import (
	"net/http"
	"unicode/utf8"

	"github.com/lorekeep/lorekeep/internal/tool"
	"github.com/lorekeep/lorekeep/pkg/models"
)

type toolCallRequest struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
	Context  tool.Context   `json:"context"`
}

type toolCallResponse struct {
	Success   bool                 `json:"success"`
	Output    any                  `json:"output,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorType string               `json:"error_type,omitempty"`
	Audit     models.ToolCallAudit `json:"audit"`
}

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	defs := s.deps.Registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": defs,
		"total": len(defs),
	})
}

// handleToolsCall runs one tool call. A failed call is still HTTP 200;
// only protocol errors return non-200.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	if req.Context.TenantID == "" || req.Context.SiteID == "" {
		writeError(w, http.StatusBadRequest, "context.tenant_id and context.site_id are required")
		return
	}

	result := s.deps.Executor.Execute(r.Context(), req.Context, req.ToolName, req.Input)
	writeJSON(w, http.StatusOK, toolCallResponse{
		Success:   result.Success,
		Output:    result.Output,
		Error:     result.Error,
		ErrorType: result.Audit.ErrorType,
		Audit:     result.Audit,
	})
}

const maxQueryChars = 1000

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TenantID == "" || req.SiteID == "" || req.NPCID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, site_id, and npc_id are required")
		return
	}
	if req.Query == "" || utf8.RuneCountInString(req.Query) > maxQueryChars {
		writeError(w, http.StatusBadRequest, "query must be 1..1000 characters")
		return
	}

	resp, err := s.deps.Chat.Chat(r.Context(), req)
	if err != nil {
		s.deps.Logger.Error(r.Context(), "chat turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat turn failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
