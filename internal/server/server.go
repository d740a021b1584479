package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
	"github.com/SmitUplenchwar2687/Bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/policy"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
	"github.com/SmitUplenchwar2687/Bastion/internal/trust"
)

// Options wires a Server. Pipeline is required; the admin API is mounted
// only when Blocks and Limiter are set.
type Options struct {
	Pipeline *admission.Pipeline
	Blocks   *blocklist.Registry
	Limiter  *limiter.Engine
	Resolver *policy.Resolver
	Trust    *trust.Engine
	Store    store.Store

	Hub      *Hub
	Recorder *recorder.Recorder
	// ClientIPHeaders are trusted for the client address. Empty selects
	// DefaultClientIPHeaders.
	ClientIPHeaders []string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the Bastion HTTP server. Everything under /api passes through
// the admission middleware.
type Server struct {
	httpServer *http.Server
	opts       Options
	router     chi.Router
}

// New creates a new Bastion server.
func New(addr string, opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("admission pipeline is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{opts: opts, router: chi.NewRouter()}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	if s.opts.Hub != nil {
		r.Get("/ws", s.opts.Hub.HandleWebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(Middleware(s.opts.Pipeline, s.opts.Hub, s.opts.Recorder, WithClientIPHeaders(s.opts.ClientIPHeaders...)))
		r.HandleFunc("/*", s.handleCheck)
	})

	if s.opts.Blocks != nil && s.opts.Limiter != nil {
		r.Route("/admin", s.adminRoutes)
	}
}

// handleRoot serves a welcome message.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "bastion",
		"status":  "running",
		"time":    s.opts.Pipeline.Clock().Now().Format(time.RFC3339),
	})
}

// handleHealth reports whether the counter store is reachable. An
// unreachable store still answers 200: admission fails open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.opts.Store != nil {
		if err := s.opts.Store.Ping(r.Context()); err != nil {
			klog.Warningf("health check: store ping failed: %v", err)
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleCheck is the protected demo endpoint. It only runs once the
// middleware admitted the request.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": true,
		"path":    r.URL.Path,
		"time":    s.opts.Pipeline.Clock().Now().Format(time.RFC3339),
	})
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	klog.Infof("bastion server listening on %s", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).Infof("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
