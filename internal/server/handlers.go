package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bobmcallan/opmanager-mcp/internal/bridge"
	"github.com/bobmcallan/opmanager-mcp/internal/common"
)

// callRequest is the body of POST /call.
type callRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// callResponse mirrors the MCP call result shape for non-MCP clients.
type callResponse struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolEntry is one row of the GET /tools listing.
type toolEntry struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema mcp.ToolInputSchema `json:"inputSchema"`
}

// handleCall executes one tool synchronously and answers inline.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tool name is required"})
		return
	}

	text, isErr, err := s.bridge.Call(r.Context(), req.Name, req.Arguments)
	if err != nil {
		if errors.Is(err, bridge.ErrToolNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, callResponse{
		Content: []contentItem{{Type: "text", Text: text}},
		IsError: isErr,
	})
}

// handleTools lists every registered tool with its input schema.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	all := s.bridge.Registry().Tools()
	entries := make([]toolEntry, 0, len(all))
	for _, t := range all {
		entries = append(entries, toolEntry{
			Name:        t.Definition.Name,
			Description: t.Definition.Description,
			InputSchema: t.Definition.InputSchema,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tools": entries,
		"count": len(entries),
	})
}

// handleHealth reports server status and registry size.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"server":     "opmanager-mcp-server",
		"version":    common.GetVersion(),
		"tool_count": s.bridge.Registry().Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
