// Package api serves the arbiter's HTTP interface: status and metrics for
// operators and the inbound adapter through which the local heartbeat
// layer reports node and link transitions.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
	"github.com/dd0wney/cluso-arbiter/pkg/dispatch"
	"github.com/dd0wney/cluso-arbiter/pkg/health"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
)

// maxBodyBytes bounds request bodies; every request is a small JSON object.
const maxBodyBytes = 64 << 10

// Controller is the part of the dispatcher the API drives.
type Controller interface {
	Status() *dispatch.Status
	SubmitNodeStatus(ctx context.Context, node string, status cluster.Status) error
	SubmitLinkStatus(ctx context.Context, node, link string, status cluster.Status) error
	UpdateWitnesses(ctx context.Context, addrs []string) error
	Acknowledge(ctx context.Context, peer string) (bool, error)
	DeclareDead(ctx context.Context, peer, reason string) error
}

// Server represents the HTTP API server
type Server struct {
	ctl       Controller
	health    *health.HealthChecker
	journal   *audit.Journal
	metrics   *metrics.Registry
	logger    logging.Logger
	validate  *validator.Validate
	server    *http.Server
	startTime time.Time
}

// NewServer creates the API server. journal and reg may be nil.
func NewServer(addr string, ctl Controller, hc *health.HealthChecker, journal *audit.Journal, reg *metrics.Registry, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if hc == nil {
		hc = health.NewHealthChecker()
	}
	s := &Server{
		ctl:       ctl,
		health:    hc,
		journal:   journal,
		metrics:   reg,
		logger:    logger.With(logging.Component("api")),
		validate:  validator.New(),
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("GET /health", s.health.HTTPHandler())
	mux.HandleFunc("GET /health/ready", s.health.ReadinessHandler())
	mux.HandleFunc("GET /health/live", s.health.LivenessHandler())
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	// Operator views
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Heartbeat layer adapter
	mux.HandleFunc("POST /v1/nodes/{name}/status", s.handleNodeStatus)
	mux.HandleFunc("POST /v1/nodes/{name}/links/{link}/status", s.handleLinkStatus)

	// Operator actions
	mux.HandleFunc("POST /v1/peers/{name}/ack", s.handleAcknowledge)
	mux.HandleFunc("POST /v1/peers/{name}/death", s.handleDeath)
	mux.HandleFunc("PUT /v1/witnesses", s.handleWitnesses)

	return s.panicRecoveryMiddleware(s.metricsMiddleware(s.loggingMiddleware(s.bodySizeLimitMiddleware(mux, maxBodyBytes))))
}

// UseTLS serves the API over TLS with cfg, which must carry the server
// certificate. Call before Start.
func (s *Server) UseTLS(cfg *tls.Config) {
	s.server.TLSConfig = cfg
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	var err error
	if s.server.TLSConfig != nil {
		s.logger.Info("HTTPS API listening", logging.String("addr", s.server.Addr),
			logging.Bool("client_certs", s.server.TLSConfig.ClientAuth != tls.NoClientCert))
		err = s.server.ListenAndServeTLS("", "")
	} else {
		s.logger.Info("HTTP API listening", logging.String("addr", s.server.Addr))
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// RunSystemMetrics samples runtime metrics until ctx is done.
func (s *Server) RunSystemMetrics(ctx context.Context, every time.Duration) {
	if s.metrics == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.metrics.UpdateSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.UpdateSystemMetrics()
		}
	}
}
