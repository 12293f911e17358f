// Package bridge is the local HTTP surface a UI attaches to: room state and
// events over WebSocket, plus chat, notes, attachments and the host
// controls. It binds loopback only.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/petervdpas/meshroom/internal/attach"
	"github.com/petervdpas/meshroom/internal/chat"
	"github.com/petervdpas/meshroom/internal/notes"
	"github.com/petervdpas/meshroom/internal/profile"
	"github.com/petervdpas/meshroom/internal/session"
)

// Deps are the collaborators the bridge exposes. Notes, Attach and Profile
// may be nil; their routes are then not registered.
type Deps struct {
	Session *session.Coordinator
	Chat    *chat.Manager
	Notes   *notes.Manager
	Attach  *attach.Store
	Profile *profile.Manager
}

// Server is the running bridge.
type Server struct {
	deps Deps
	srv  *http.Server
	ln   net.Listener
}

// New builds the server on addr (loopback, port 0 picks a free one).
func New(addr string, deps Deps) (*Server, error) {
	if deps.Session == nil || deps.Chat == nil {
		return nil, fmt.Errorf("bridge needs a session and a chat manager")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind bridge: %w", err)
	}

	mux := http.NewServeMux()
	register(mux, deps)

	s := &Server{
		deps: deps,
		srv:  &http.Server{Handler: mux},
		ln:   ln,
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start serves until Close. It returns immediately.
func (s *Server) Start() {
	go func() {
		log.Printf("BRIDGE: listening on http://%s", s.Addr())
		if err := s.srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			log.Printf("BRIDGE: server error: %v", err)
		}
	}()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.srv.Shutdown(context.Background())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleGet registers a GET-only route.
func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost registers a POST-only route.
func handlePost(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}
