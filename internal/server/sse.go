package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/opmanager-mcp/internal/common"
)

const (
	// requestQueueSize bounds how many submissions one session may have
	// pending before /message pushes back.
	requestQueueSize = 64

	// maxMessageSize caps one submitted message body.
	maxMessageSize = 4 << 20 // 4MB

	keepAliveInterval = 30 * time.Second
)

// sseHub owns every open stream session. Each session pairs one GET /sse
// stream with the POST /message submissions addressed to it. Submissions are
// queued at acceptance and drained by a single per-session worker, so
// responses reach the stream in the order their requests were accepted even
// when an earlier call is slow.
type sseHub struct {
	mcpServer *mcpserver.MCPServer
	logger    *common.Logger

	mu       sync.Mutex
	sessions map[string]*sseSession
	closed   bool
}

// sseSession is one open stream with its FIFO submission queue.
type sseSession struct {
	id            string
	requests      chan json.RawMessage
	events        chan string
	notifications chan mcp.JSONRPCNotification
	done          chan struct{}
	closeOnce     sync.Once
	initialized   atomic.Bool
}

var _ mcpserver.ClientSession = (*sseSession)(nil)

func (s *sseSession) SessionID() string  { return s.id }
func (s *sseSession) Initialize()        { s.initialized.Store(true) }
func (s *sseSession) Initialized() bool  { return s.initialized.Load() }
func (s *sseSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

func (s *sseSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func newSSEHub(m *mcpserver.MCPServer, logger *common.Logger) *sseHub {
	return &sseHub{
		mcpServer: m,
		logger:    logger,
		sessions:  make(map[string]*sseSession),
	}
}

// handleSSE opens one session and streams its events until the client
// disconnects or the hub shuts down.
func (h *sseHub) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sess := &sseSession{
		id:            uuid.NewString(),
		requests:      make(chan json.RawMessage, requestQueueSize),
		events:        make(chan string, requestQueueSize),
		notifications: make(chan mcp.JSONRPCNotification, requestQueueSize),
		done:          make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		return
	}
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	if err := h.mcpServer.RegisterSession(r.Context(), sess); err != nil {
		h.mu.Lock()
		delete(h.sessions, sess.id)
		h.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session registration failed"})
		return
	}
	defer func() {
		h.mcpServer.UnregisterSession(r.Context(), sess.id)
		h.mu.Lock()
		delete(h.sessions, sess.id)
		h.mu.Unlock()
		sess.close()
	}()

	ctx := h.mcpServer.WithContext(r.Context(), sess)
	go sess.serve(ctx, h.mcpServer)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: endpoint\ndata: /message?sessionId=%s\n\n", sess.id)
	flusher.Flush()

	h.logger.Debug().Str("session", sess.id).Msg("SSE session opened")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Str("session", sess.id).Msg("SSE session closed")
			return
		case <-sess.done:
			return
		case ev := <-sess.events:
			io.WriteString(w, ev)
			flusher.Flush()
		case n := <-sess.notifications:
			if data, err := json.Marshal(n); err == nil {
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			}
		case <-ticker.C:
			io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// serve drains the submission queue one request at a time. The sequential
// drain is what preserves per-session response order; a closed session stops
// the worker and discards anything still queued.
func (s *sseSession) serve(ctx context.Context, m *mcpserver.MCPServer) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case raw := <-s.requests:
			resp := m.HandleMessage(ctx, raw)
			if resp == nil {
				continue
			}
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			select {
			case s.events <- fmt.Sprintf("event: message\ndata: %s\n\n", data):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage accepts one submission for an open session. The request is
// queued and acknowledged; the response arrives on the session's stream.
func (h *sseHub) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionId is required"})
		return
	}

	h.mu.Lock()
	sess := h.sessions[id]
	h.mu.Unlock()
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or closed session"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	select {
	case <-sess.done:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or closed session"})
		return
	default:
	}

	select {
	case sess.requests <- json.RawMessage(body):
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session queue full"})
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// closeAll shuts every session down; called before the HTTP server drains so
// open streams terminate instead of holding shutdown hostage.
func (h *sseHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*sseSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
