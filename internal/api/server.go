package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/kernel"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is a dependency reported by /api/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Security config.SecurityConfig
	Logger   core.Logger
	Kernel   *kernel.Kernel
	Metrics  *metrics.Metrics

	// WebSocket serves /api/websocket. Optional.
	WebSocket http.Handler

	// Health lists named dependencies checked by /api/health.
	Health map[string]HealthChecker

	// Audit serves /api/audit. Optional.
	Audit AuditLister
}

// Server is the HTTP API server.
//
// It is created with New and started with Start. Handler exposes the
// router without a listener for tests and embedding.
type Server struct {
	cfg          config.APIConfig
	secCfg       config.SecurityConfig
	logger       core.Logger
	kernel       *kernel.Kernel
	metrics      *metrics.Metrics
	websocket    http.Handler
	health       map[string]HealthChecker
	audit        AuditLister
	tokenLimiter *ipLimiter
	startTime    time.Time

	server *http.Server
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Kernel == nil {
		return nil, fmt.Errorf("kernel is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = core.NopLogger()
	}

	s := &Server{
		cfg:       deps.Config,
		secCfg:    deps.Security,
		logger:    logger,
		kernel:    deps.Kernel,
		metrics:   deps.Metrics,
		websocket: deps.WebSocket,
		health:    deps.Health,
		audit:     deps.Audit,
		startTime: time.Now(),
	}
	if rl := deps.Security.RateLimit; rl.Enabled && rl.RequestsPerMinute > 0 {
		s.tokenLimiter = newIPLimiter(float64(rl.RequestsPerMinute)/60, rl.RequestsPerMinute)
	}
	return s, nil
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The listener is bound before Start returns, so a port conflict is
// reported here.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.tokenLimiter != nil {
		go s.tokenLimiter.cleanupLoop(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections. Hijacked WebSocket
// connections are not tracked here; shut the gateway down separately.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
