// Package metrics defines the counters the session hub reports and a
// Prometheus-backed implementation of them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cyberinferno/go-sessionhub/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons used as label values.
const (
	ReasonUnauthenticated  = "unauthenticated"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonUpgradeFailed    = "upgrade_failed"
	ReasonShuttingDown     = "shutting_down"
	ReasonSuperseded       = "superseded"
	ReasonBackpressure     = "backpressure"
	ReasonNoTarget         = "no_target"
	ReasonNoHandler        = "no_handler"
	ReasonInvalid          = "invalid"
)

// Recorder receives lifecycle and routing events. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ConnectionAccepted()
	ConnectionRejected(reason string)
	ConnectionClosed()
	SessionCreated()
	SessionExpired()
	MessageRouted(route string)
	MessageDropped(reason string)
	HandlerDone(kind string, since time.Time)
}

// Prometheus is a Recorder that keeps its collectors in a private registry.
type Prometheus struct {
	registry     *prometheus.Registry
	connAccepted prometheus.Counter
	connRejected *prometheus.CounterVec
	connActive   prometheus.Gauge
	sessCreated  prometheus.Counter
	sessExpired  prometheus.Counter
	msgRouted    *prometheus.CounterVec
	msgDropped   *prometheus.CounterVec
	handlerDur   *prometheus.HistogramVec
	httpReqCnt   *prometheus.CounterVec
	httpDur      *prometheus.HistogramVec
}

// New creates a Prometheus recorder using cfg.Namespace and cfg.Buckets.
func New(cfg config.MetricsConfig) *Prometheus {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	connAccepted := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "connections_accepted_total"})
	connRejected := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connections_rejected_total"}, []string{"reason"})
	connActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active"})
	r.MustRegister(connAccepted, connRejected, connActive)

	sessCreated := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "sessions_created_total"})
	sessExpired := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "sessions_expired_total"})
	r.MustRegister(sessCreated, sessExpired)

	msgRouted := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_routed_total"}, []string{"route"})
	msgDropped := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_dropped_total"}, []string{"reason"})
	handlerDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "handler_duration_seconds", Buckets: buckets}, []string{"kind"})
	r.MustRegister(msgRouted, msgDropped, handlerDur)

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"})
	r.MustRegister(httpReqCnt, httpDur)

	return &Prometheus{
		registry:     r,
		connAccepted: connAccepted,
		connRejected: connRejected,
		connActive:   connActive,
		sessCreated:  sessCreated,
		sessExpired:  sessExpired,
		msgRouted:    msgRouted,
		msgDropped:   msgDropped,
		handlerDur:   handlerDur,
		httpReqCnt:   httpReqCnt,
		httpDur:      httpDur,
	}
}

// ConnectionAccepted counts an attached connection and raises the active gauge.
func (m *Prometheus) ConnectionAccepted() {
	m.connAccepted.Inc()
	m.connActive.Inc()
}

// ConnectionRejected counts a handshake refused for reason.
func (m *Prometheus) ConnectionRejected(reason string) {
	m.connRejected.WithLabelValues(reason).Inc()
}

// ConnectionClosed lowers the active connection gauge.
func (m *Prometheus) ConnectionClosed() {
	m.connActive.Dec()
}

// SessionCreated counts a new session.
func (m *Prometheus) SessionCreated() { m.sessCreated.Inc() }

// SessionExpired counts a session removed by the reaper.
func (m *Prometheus) SessionExpired() { m.sessExpired.Inc() }

// MessageRouted counts a message delivered along route.
func (m *Prometheus) MessageRouted(route string) {
	m.msgRouted.WithLabelValues(route).Inc()
}

// MessageDropped counts a message discarded for reason.
func (m *Prometheus) MessageDropped(reason string) {
	m.msgDropped.WithLabelValues(reason).Inc()
}

// HandlerDone observes the run time of a handler for kind.
func (m *Prometheus) HandlerDone(kind string, since time.Time) {
	m.handlerDur.WithLabelValues(kind).Observe(time.Since(since).Seconds())
}

// Middleware records request counts and durations per gin route. Upgraded
// WebSocket requests are counted once the connection ends.
func (m *Prometheus) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop discards every event.
type Nop struct{}

// NewNop returns a Recorder that does nothing.
func NewNop() Recorder { return Nop{} }

// ConnectionAccepted implements Recorder.
func (Nop) ConnectionAccepted() {}

// ConnectionRejected implements Recorder.
func (Nop) ConnectionRejected(string) {}

// ConnectionClosed implements Recorder.
func (Nop) ConnectionClosed() {}

// SessionCreated implements Recorder.
func (Nop) SessionCreated() {}

// SessionExpired implements Recorder.
func (Nop) SessionExpired() {}

// MessageRouted implements Recorder.
func (Nop) MessageRouted(string) {}

// MessageDropped implements Recorder.
func (Nop) MessageDropped(string) {}

// HandlerDone implements Recorder.
func (Nop) HandlerDone(string, time.Time) {}
