package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/realtime/internal/auth"
	"github.com/Tyrowin/realtime/internal/config"
	"github.com/Tyrowin/realtime/internal/metrics"
	"github.com/Tyrowin/realtime/internal/ratelimit"
)

// Deps are the collaborators a Server needs besides its configuration.
type Deps struct {
	Verifier auth.Verifier
	// Limiter backs both the handshake and the message quota; each phase
	// gets its own key namespace. Nil disables rate limiting.
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
}

// Server owns the registry and everything that feeds it: the handshake
// endpoint, the per-connection pumps, the router and the heartbeat sweep.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	verifier auth.Verifier

	handshakeLimiter ratelimit.Limiter
	registry         *Registry
	router           *Router
	heartbeat        *HeartbeatMonitor
	origins          *originPolicy
	upgrader         websocket.Upgrader

	started time.Time
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// New wires a Server from cfg and deps. Call Start before serving traffic.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Verifier == nil {
		return nil, errors.New("server: a token verifier is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  deps.Metrics,
		verifier: deps.Verifier,
		started:  time.Now(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.registry = NewRegistry(logger,
		WithMaxConnections(cfg.Server.MaxConnections),
		WithMetrics(deps.Metrics),
	)

	var messageLimiter ratelimit.Limiter
	if deps.Limiter != nil {
		s.handshakeLimiter = ratelimit.Prefixed(deps.Limiter, "conn")
		messageLimiter = ratelimit.Prefixed(deps.Limiter, "msg")
	}
	s.router = NewRouter(s.registry, messageLimiter, cfg.Server.HandshakeTimeout, logger, deps.Metrics)
	s.heartbeat = NewHeartbeatMonitor(s.registry, cfg.Heartbeat.Interval(), logger, deps.Metrics)
	s.origins = newOriginPolicy(cfg.Server.AllowedOrigins, logger.Named("origin"))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		CheckOrigin:      s.origins.check,
	}
	return s, nil
}

// Registry exposes the connection registry, for the broker bridge and the
// stats endpoints.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start launches the heartbeat sweep.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(s.ctx)
	}()
	s.logger.Info("realtime core started",
		zap.Duration("heartbeat_interval", s.cfg.Heartbeat.Interval()),
		zap.Int("max_connections", s.cfg.Server.MaxConnections),
	)
}

// trackHandshake counts an upgraded handshake in the shutdown wait group.
// It reports false once Shutdown has started; otherwise the caller must
// call s.wg.Done when registration finishes.
func (s *Server) trackHandshake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) startClient(c *client) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// Shutdown stops the heartbeat sweep, closes every connection with 1001
// and waits for the connection goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating realtime core shutdown")
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	closed := s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.logger.Info("closed client connections", zap.Int("count", closed))

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("realtime core shutdown completed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, some connection goroutines may still be running")
		return ctx.Err()
	}
}
