package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raceops/provider-engine/internal/corutil"
	"github.com/raceops/provider-engine/internal/logging"
)

// HealthChecker reports whether a dependency is currently healthy. Wired in
// by whatever owns the resource (database ping, lock file holder, ...).
type HealthChecker func(ctx context.Context) error

// Server is a system.Service exposing /metrics and /healthz on a
// loopback-only listener. It carries no public API: binding to anything
// other than 127.0.0.1/::1 is the operator's responsibility via ListenAddr.
type Server struct {
	addr    string
	log     *logging.Logger
	server  *http.Server
	mu      sync.Mutex
	checks  map[string]HealthChecker
}

// NewServer constructs a metrics Server bound to addr (e.g. "127.0.0.1:9102").
func NewServer(addr string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewDefault("metrics-server")
	}
	return &Server{addr: addr, log: log, checks: make(map[string]HealthChecker)}
}

// RegisterHealthCheck adds a named dependency check consulted by /healthz.
func (s *Server) RegisterHealthCheck(name string, check HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *Server) Name() string { return "metrics-server" }

func (s *Server) Descriptor() corutil.Descriptor {
	return corutil.Descriptor{
		Name:         s.Name(),
		Domain:       "observability",
		Layer:        corutil.LayerEngine,
		Capabilities: []string{"metrics", "healthz"},
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	s.log.WithField("addr", s.addr).Info("metrics server started")
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := make(map[string]HealthChecker, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range checks {
		if err := check(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(name + ": " + err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
