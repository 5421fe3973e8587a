// Package server accepts WebSocket clients, authenticates them, binds each
// connection to its session and supervises session expiry and shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-sessionhub/auth"
	"github.com/cyberinferno/go-sessionhub/config"
	"github.com/cyberinferno/go-sessionhub/dispatcher"
	"github.com/cyberinferno/go-sessionhub/idgenerator"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/metrics"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/cyberinferno/go-sessionhub/transport"
	"github.com/gin-gonic/gin"
)

// Deps are the collaborators of a Server. Every field is optional: missing
// ones are built from the configuration.
type Deps struct {
	Logger        logger.Logger
	Registry      *session.Registry
	Dispatcher    *dispatcher.Dispatcher
	Authenticator auth.Authenticator
	Metrics       *metrics.Prometheus
}

// Server is the lifecycle supervisor. It owns the HTTP listener, the reaper
// and, through the registry, every session.
type Server struct {
	Logger        logger.Logger
	Name          string
	Running       atomic.Bool
	Registry      *session.Registry
	Dispatcher    *dispatcher.Dispatcher
	Authenticator auth.Authenticator
	Recorder      metrics.Recorder
	IdGenerator   *idgenerator.IdGenerator

	cfg        config.Config
	metrics    *metrics.Prometheus
	upgrader   *transport.Upgrader
	router     *gin.Engine
	listener   net.Listener
	httpServer *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc
	stopReaper chan struct{}
	reaperDone chan struct{}
	conns      sync.WaitGroup
	active     atomic.Int64
}

// New assembles a Server from cfg and deps. The server does not listen
// until Start.
//
// Parameters:
//   - cfg: A configuration that has passed Validate
//   - deps: Collaborators to use instead of the defaults
//
// Returns:
//   - The Server
//   - An error if cfg cannot be turned into a registry
func New(cfg config.Config, deps Deps) (*Server, error) {
	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	var recorder metrics.Recorder = metrics.NewNop()
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}

	registry := deps.Registry
	if registry == nil {
		policy, err := session.ParsePolicy(cfg.Session.Backpressure)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", cfg.Server.Name, err)
		}
		registry = session.NewRegistry(session.RegistryOptions{
			Capacity: cfg.Session.QueueCapacity,
			Policy:   policy,
			Logger:   log,
			Recorder: recorder,
		})
	}

	d := deps.Dispatcher
	if d == nil {
		d = dispatcher.New(dispatcher.Options{
			Registry:    registry,
			Logger:      log,
			Recorder:    recorder,
			Concurrency: cfg.Dispatcher.HandlerConcurrency,
		})
		d.OnMessage(session.KindControl, dispatcher.ControlHandler(registry))
		if cfg.Dispatcher.Echo {
			d.OnMessage(session.KindText, dispatcher.EchoHandler(registry))
			d.OnMessage(session.KindBinary, dispatcher.EchoHandler(registry))
		}
	}

	authenticator := deps.Authenticator
	if authenticator == nil {
		authenticator = auth.NewTrustedAuthenticator()
	}

	s := &Server{
		Logger:        log.With(logger.Field{Key: "component", Value: "server"}),
		Name:          cfg.Server.Name,
		Registry:      registry,
		Dispatcher:    d,
		Authenticator: authenticator,
		Recorder:      recorder,
		IdGenerator:   idgenerator.NewIdGenerator(0),
		cfg:           cfg,
		metrics:       deps.Metrics,
		upgrader: transport.NewUpgrader(transport.Options{
			WriteTimeout:     cfg.Server.WriteTimeout,
			PingInterval:     cfg.Server.PingInterval,
			MaxMessageSize:   cfg.Server.MaxMessageSize,
			HandshakeTimeout: cfg.Server.HandshakeTimeout,
		}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.router = s.routes()

	return s, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint, health
// and metrics routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound listener address, or the configured one before
// Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Server.Listen
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Start binds the listener and starts serving and reaping in background
// goroutines.
//
// Returns:
//   - An error if the server is already running or if listening fails
func (s *Server) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.HandshakeTimeout,
	}
	s.stopReaper = make(chan struct{})
	s.reaperDone = make(chan struct{})
	s.Running.Store(true)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("http serve error", logger.Field{Key: "error", Value: err.Error()})
		}
	}()
	go s.reap()

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name),
		logger.Field{Key: "addr", Value: s.Addr()},
		logger.Field{Key: "ws_path", Value: s.cfg.Server.WSPath})
	return nil
}

// Stop stops accepting connections, stops the reaper, closes every session
// and waits for connection goroutines to finish or ctx to expire. Safe to
// call when the server is not running.
func (s *Server) Stop(ctx context.Context) error {
	if !s.Running.CompareAndSwap(true, false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return nil
	}

	shutdownErr := s.httpServer.Shutdown(ctx)

	close(s.stopReaper)
	<-s.reaperDone

	s.Registry.Close()
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("server %s stop: %w", s.Name, ctx.Err())
	}

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
	if shutdownErr != nil {
		return fmt.Errorf("server %s stop: %w", s.Name, shutdownErr)
	}
	return nil
}

// reap expires idle detached sessions every reaper interval.
func (s *Server) reap() {
	defer close(s.reaperDone)

	ticker := time.NewTicker(s.cfg.Session.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopReaper:
			return
		case now := <-ticker.C:
			expired := s.Registry.Expire(now, s.cfg.Session.IdleTimeout)
			for _, id := range expired {
				s.Logger.Debug("session expired", logger.Field{Key: "session_id", Value: string(id)})
			}
		}
	}
}
