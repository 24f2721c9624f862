// Package api serves read-only snapshots of the server state over HTTP and
// provides a client for its health endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vistiles/server/internal/hub"
	"github.com/vistiles/server/internal/monitor"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/internal/workspace"
	"github.com/vistiles/server/pkg/streaming"
)

// Caller runs a function on the event loop and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Devices lists registered devices.
type Devices interface {
	Devices() []*registry.Device
}

// Workspaces lists workspaces.
type Workspaces interface {
	Workspaces() map[string]workspace.WorkspaceView
}

// Debug provides the debug context and feed status.
type Debug interface {
	Context() streaming.DebugContext
	FeedActive() bool
}

// Connections counts open sockets.
type Connections interface {
	Len(class hub.Class) int
}

// Health is the body of GET /api/health.
type Health struct {
	Status      string  `json:"status"`
	Devices     int     `json:"devices"`
	Workspaces  int     `json:"workspaces"`
	DeviceConns int     `json:"deviceConnections"`
	DebugConns  int     `json:"debugConnections"`
	FeedActive  bool    `json:"feedActive"`
	Uptime      float64 `json:"uptimeSeconds"`
}

// Dependencies holds the state sources of the server.
type Dependencies struct {
	Loop        Caller
	Devices     Devices
	Workspaces  Workspaces
	Debug       Debug
	Connections Connections
	Logger      *slog.Logger
	// Timeout bounds how long a request waits for the loop.
	Timeout time.Duration
}

// Server answers HTTP requests from snapshots taken on the loop.
type Server struct {
	deps    Dependencies
	started time.Time
}

// NewServer creates a server.
func NewServer(deps Dependencies) *Server {
	if deps.Timeout <= 0 {
		deps.Timeout = 2 * time.Second
	}
	return &Server{deps: deps, started: time.Now()}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/devices", s.devices)
	mux.HandleFunc("GET /api/workspaces", s.workspaces)
	mux.HandleFunc("GET /api/debug/context", s.debugContext)
}

// snapshot runs fn on the loop and writes its result.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, fn func() any) {
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.Timeout)
	defer cancel()

	var out any
	if err := s.deps.Loop.Call(ctx, func() { out = fn() }); err != nil {
		s.deps.Logger.Warn("snapshot failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.snapshot(w, r, func() any {
		return Health{
			Status:      "ok",
			Devices:     len(s.deps.Devices.Devices()),
			Workspaces:  len(s.deps.Workspaces.Workspaces()),
			DeviceConns: s.deps.Connections.Len(hub.ClassDevice),
			DebugConns:  s.deps.Connections.Len(hub.ClassDebug),
			FeedActive:  s.deps.Debug.FeedActive(),
			Uptime:      time.Since(s.started).Seconds(),
		}
	})
}

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	s.snapshot(w, r, func() any {
		devices := s.deps.Devices.Devices()
		views := make([]monitor.DeviceView, 0, len(devices))
		for _, d := range devices {
			views = append(views, monitor.NewDeviceView(d))
		}
		return views
	})
}

func (s *Server) workspaces(w http.ResponseWriter, r *http.Request) {
	s.snapshot(w, r, func() any { return s.deps.Workspaces.Workspaces() })
}

func (s *Server) debugContext(w http.ResponseWriter, r *http.Request) {
	s.snapshot(w, r, func() any { return s.deps.Debug.Context() })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Logging logs method, path, status and duration of every request.
func Logging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start),
		)
	})
}
