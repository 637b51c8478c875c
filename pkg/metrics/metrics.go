package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amoylab/beacon/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports.
// All recording methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	sessionOps   *prometheus.CounterVec
	admissions   *prometheus.CounterVec
	connections  *prometheus.GaugeVec
	published    *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	publishDur   prometheus.Histogram
	backlogOps   *prometheus.CounterVec
	replayed     prometheus.Counter
	securityEvts *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		registry:  r,
		namespace: ns,
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"},
			[]string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets},
			[]string{"method", "route", "status"}),
		httpInfl: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"},
			[]string{"route"}),
		sessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "session_operations_total"},
			[]string{"op", "result"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "push_admissions_total"},
			[]string{"namespace", "result"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "push_connections_active"},
			[]string{"namespace"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "notifications_published_total"},
			[]string{"scope", "priority"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "notification_deliveries_total"},
			[]string{"result"}),
		publishDur: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "notification_publish_duration_seconds", Buckets: buckets}),
		backlogOps: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "backlog_operations_total"},
			[]string{"op"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "backlog_replayed_total"}),
		securityEvts: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "security_events_total"},
			[]string{"reason"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)
	r.MustRegister(m.sessionOps, m.admissions, m.connections, m.published, m.deliveries, m.publishDur)
	r.MustRegister(m.backlogOps, m.replayed, m.securityEvts)
	return m
}

// SessionOp counts a session store operation
func (m *Metrics) SessionOp(op string, err error) {
	if m == nil {
		return
	}
	m.sessionOps.WithLabelValues(op, result(err)).Inc()
}

// Admission counts a push connection attempt
func (m *Metrics) Admission(namespace string, admitted bool) {
	if m == nil {
		return
	}
	res := "rejected"
	if admitted {
		res = "admitted"
	}
	m.admissions.WithLabelValues(namespace, res).Inc()
}

// ConnectionOpened increments the live connection gauge
func (m *Metrics) ConnectionOpened(namespace string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(namespace).Inc()
}

// ConnectionClosed decrements the live connection gauge
func (m *Metrics) ConnectionClosed(namespace string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(namespace).Dec()
}

// Published records a publish call and its duration
func (m *Metrics) Published(scope, priority string, since time.Time) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(scope, priority).Inc()
	m.publishDur.Observe(time.Since(since).Seconds())
}

// Delivery counts a single connection write, labelled delivered, failed or duplicate
func (m *Metrics) Delivery(res string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(res).Inc()
}

// Backlog counts backlog operations such as enqueue, evict, confirm and purge
func (m *Metrics) Backlog(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backlogOps.WithLabelValues(op).Add(float64(n))
}

// Replayed counts messages replayed on reconnect
func (m *Metrics) Replayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.replayed.Add(float64(n))
}

// SecurityEvent counts a rejected or suspicious request
func (m *Metrics) SecurityEvent(reason string) {
	if m == nil {
		return
	}
	m.securityEvts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = routeFromURL(c.Request.URL.Path)
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := httpStatus(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func routeFromURL(path string) string {
	if strings.HasPrefix(path, "/ws/") {
		return "/ws/:namespace"
	}
	return "unmatched"
}

func httpStatus(code int) string {
	if code <= 0 {
		return "0"
	}
	return strconv.Itoa(code)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
