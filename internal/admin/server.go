// Package admin exposes the proxy's diagnostic HTTP API: GET /servers,
// GET /sessions, GET /modules, plus Prometheus /metrics, over
// gorilla/mux — the "diagnostic API" spec.md names as a collaborator
// but keeps outside the core protocol engine.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerStatus is one backend's reported health, as surfaced by
// GET /servers.
type ServerStatus struct {
	Shard     string `json:"shard"`
	Address   string `json:"address"`
	Role      string `json:"role"` // "primary" or "replica"
	Healthy   bool   `json:"healthy"`
}

// SessionStatus is one client session's reported state, as surfaced
// by GET /sessions.
type SessionStatus struct {
	ID                uint32 `json:"id"`
	User              string `json:"user"`
	Database          string `json:"database"`
	State             string `json:"state"`
	StickyBackend     string `json:"sticky_backend,omitempty"`
	PreparedStatements int   `json:"prepared_statements"`
	HistoryLength     int    `json:"history_length"`
}

// ModuleStatus reports one pluggable collaborator's identity, mirroring
// the MODULE blocks spec.md describes (router policy, auth plugin).
type ModuleStatus struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Snapshot is the point-in-time view of the proxy the core publishes
// for the admin API to serve; the core never depends on this package,
// only the wiring in cmd/maxscale-proxy does.
type Snapshot interface {
	Servers() []ServerStatus
	Sessions() []SessionStatus
	Modules() []ModuleStatus
}

// Server is the admin HTTP API.
type Server struct {
	snapshot   Snapshot
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an admin API server backed by snapshot.
func NewServer(snapshot Snapshot) *Server {
	return &Server{snapshot: snapshot, startTime: time.Now()}
}

// Start begins serving the admin API on addr (host:port). It returns
// once the listener is up; serving continues on background goroutines
// until Stop is called.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/servers", s.serversHandler).Methods("GET")
	r.HandleFunc("/sessions", s.sessionsHandler).Methods("GET")
	r.HandleFunc("/modules", s.modulesHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) serversHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Servers())
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Sessions())
}

func (s *Server) modulesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Modules())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"sessions":       len(s.snapshot.Sessions()),
		"servers":        len(s.snapshot.Servers()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
