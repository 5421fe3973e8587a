package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/cyberinferno/go-sessionhub/auth"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/metrics"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/gin-gonic/gin"
)

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
	}

	router.GET(s.cfg.Server.WSPath, s.handleWebSocket)
	router.GET("/healthz", s.handleHealth)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		router.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !s.Running.Load() {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":      status,
		"sessions":    s.Registry.Len(),
		"connections": s.active.Load(),
		"accepted":    s.IdGenerator.Issued(),
	})
}

// handleWebSocket authenticates, upgrades and then serves one connection
// until it closes. Authentication and upgrade share the handshake timeout.
func (s *Server) handleWebSocket(c *gin.Context) {
	// counted before the upgrade hijacks the connection; Stop waits on it
	// once http.Server.Shutdown has returned
	s.conns.Add(1)
	defer s.conns.Done()

	if !s.Running.Load() {
		s.reject(c, http.StatusServiceUnavailable, metrics.ReasonShuttingDown, "server shutting down")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Server.HandshakeTimeout)
	defer cancel()

	id, err := s.authenticate(ctx, auth.HandshakeFromRequest(c.Request))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.reject(c, http.StatusRequestTimeout, metrics.ReasonHandshakeTimeout, "handshake timed out")
			return
		}
		s.Logger.Warn("authentication failed",
			logger.Field{Key: "remote_addr", Value: c.Request.RemoteAddr},
			logger.Field{Key: "error", Value: err.Error()})
		s.reject(c, http.StatusUnauthorized, metrics.ReasonUnauthenticated, "unauthenticated")
		return
	}
	if ctx.Err() != nil {
		s.reject(c, http.StatusRequestTimeout, metrics.ReasonHandshakeTimeout, "handshake timed out")
		return
	}

	stream, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Recorder.ConnectionRejected(metrics.ReasonUpgradeFailed)
		s.Logger.Warn("upgrade failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	conn := session.NewConnection(session.ConnectionID(s.IdGenerator.Id()), stream)
	log := s.Logger.With(
		logger.Field{Key: "session_id", Value: string(id)},
		logger.Field{Key: "conn_id", Value: uint64(conn.ID())})

	sess, err := s.Registry.Attach(id, conn)
	if err != nil {
		_ = conn.Close()
		reason := metrics.ReasonUpgradeFailed
		switch {
		case errors.Is(err, session.ErrRegistryClosed):
			reason = metrics.ReasonShuttingDown
		case errors.Is(err, session.ErrSuperseded):
			reason = metrics.ReasonSuperseded
		}
		s.Recorder.ConnectionRejected(reason)
		log.Warn("attach failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.Recorder.ConnectionAccepted()
	defer s.Recorder.ConnectionClosed()

	log.Info("connection accepted", logger.Field{Key: "remote_addr", Value: stream.RemoteAddr()})
	s.serve(sess, conn, log)
}

// serve runs the inbound loop of conn. Messages are dispatched in arrival
// order on this goroutine.
func (s *Server) serve(sess *session.Session, conn *session.Connection, log logger.Logger) {
	defer sess.Detach(conn)

	for msg, err := range conn.Receive() {
		if err != nil {
			log.Warn("connection failed", logger.Field{Key: "error", Value: err.Error()})
			break
		}

		sess.Touch()
		s.Dispatcher.Dispatch(s.baseCtx, msg)
	}

	log.Info("connection closed")
}

type authResult struct {
	id  session.SessionID
	err error
}

// authenticate enforces ctx even if the authenticator ignores it.
func (s *Server) authenticate(ctx context.Context, data auth.HandshakeData) (session.SessionID, error) {
	result := make(chan authResult, 1)
	go func() {
		id, err := s.Authenticator.Authenticate(ctx, data)
		result <- authResult{id: id, err: err}
	}()

	select {
	case r := <-result:
		if r.err == nil && r.id == "" {
			return "", auth.ErrUnauthenticated
		}
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Server) reject(c *gin.Context, code int, reason, message string) {
	s.Recorder.ConnectionRejected(reason)
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}
