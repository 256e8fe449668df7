package mcptest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer serves a Server over HTTP Server-Sent Events. GET /sse opens a stream whose
// first event is "endpoint", carrying the relative URL to POST frames to; answers are
// pushed back on the stream as "message" events.
type SSEServer struct {
	server *Server

	mu       sync.Mutex
	sessions map[string]*sseSession
}

type sseSession struct {
	mu   sync.Mutex
	sess *sse.Session
}

// NewSSEServer creates an SSE front end for s.
func NewSSEServer(s *Server) *SSEServer {
	return &SSEServer{
		server:   s,
		sessions: make(map[string]*sseSession),
	}
}

// ServeHTTP implements http.Handler.
func (s *SSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/sse" && r.Method == http.MethodGet:
		s.handleSSE(w, r)
	case r.URL.Path == "/message" && r.Method == http.MethodPost:
		s.handleMessage(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *SSEServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
		return
	}

	sessID := uuid.New().String()
	ss := &sseSession{sess: sess}

	// Register before announcing the endpoint, so the first POST finds the session.
	s.mu.Lock()
	s.sessions[sessID] = ss
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessID)
		s.mu.Unlock()
	}()

	msg := &sse.Message{
		Type: sse.Type("endpoint"),
	}
	msg.AppendData("/message?sessionID=" + sessID)
	if err := ss.send(msg); err != nil {
		return
	}

	<-r.Context().Done()
}

func (s *SSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessID := r.URL.Query().Get("sessionID")
	s.mu.Lock()
	ss, ok := s.sessions[sessID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
		return
	}

	replies, err := s.server.handle(msg)
	if err != nil {
		// There is no process to exit; drop the stream instead.
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for _, reply := range replies {
		replyBs, err := json.Marshal(reply)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ev := &sse.Message{
			Type: sse.Type("message"),
		}
		ev.AppendData(string(replyBs))
		if err := ss.send(ev); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

func (ss *sseSession) send(msg *sse.Message) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := ss.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := ss.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}
