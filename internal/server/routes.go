package server

import "net/http"

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Stream-pairing transport: open-stream and submit-message.
	mux.HandleFunc("/sse", s.hub.handleSSE)
	mux.HandleFunc("/message", s.hub.handleMessage)

	// Direct synchronous invocation, no session involved.
	mux.HandleFunc("/call", s.handleCall)

	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/", s.handleNotFound)

	return mux
}

// handleNotFound returns a JSON 404 for unmatched routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"error":"Not Found","message":"The requested endpoint does not exist"}`))
}
