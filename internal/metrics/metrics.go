// Package metrics exposes Prometheus collectors for the registry: calls made
// against the data backend, HTTP traffic per route and the number of signed-in
// sessions.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/types"
)

type Metrics struct {
	registry *prometheus.Registry

	RemoteCalls    *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remote_calls_total",
			Help: "Data backend calls by operation and outcome kind.",
		}, []string{"op", "kind"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remote_call_duration_seconds",
			Help:    "Latency of data backend calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Signed-in sessions started by this process and not yet ended.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(
		m.RemoteCalls,
		m.RemoteDuration,
		m.ActiveSessions,
		m.HTTPRequests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer gives tests access to the collected values.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// OutcomeLabel is the kind label recorded for a call's error ("ok" on success).
func OutcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	m.RemoteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.RemoteCalls.WithLabelValues(op, OutcomeLabel(err)).Inc()
}

// ─────────────────────────────────────────────────────────────────────────────
// Session observer
// ─────────────────────────────────────────────────────────────────────────────

// TrackSessions keeps the active_sessions gauge in step with the manager.
func (m *Metrics) TrackSessions(sessions *session.Manager) {
	sessions.Subscribe(func(e session.Event) {
		switch e.Kind {
		case session.SignedIn:
			m.ActiveSessions.Inc()
		case session.SignedOut, session.Expired:
			m.ActiveSessions.Dec()
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP middleware
// ─────────────────────────────────────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests by chi route pattern so ids do not explode the
// label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Storage decorator
// ─────────────────────────────────────────────────────────────────────────────

type instrumented struct {
	next storage.Storage
	m    *Metrics
}

// InstrumentStorage records count, outcome and latency for every call made
// through s.
func (m *Metrics) InstrumentStorage(s storage.Storage) storage.Storage {
	return &instrumented{next: s, m: m}
}

func (s *instrumented) ListStudents(ctx context.Context, p storage.Principal, filter types.ListFilter) ([]types.Student, error) {
	start := time.Now()
	students, err := s.next.ListStudents(ctx, p, filter)
	s.m.observe(storage.OpList, start, err)
	return students, err
}

func (s *instrumented) GetStudent(ctx context.Context, p storage.Principal, id string) (types.Student, error) {
	start := time.Now()
	st, err := s.next.GetStudent(ctx, p, id)
	s.m.observe(storage.OpGet, start, err)
	return st, err
}

func (s *instrumented) CreateStudent(ctx context.Context, p storage.Principal, in types.NewStudent) (types.Student, error) {
	start := time.Now()
	st, err := s.next.CreateStudent(ctx, p, in)
	s.m.observe(storage.OpCreate, start, err)
	return st, err
}

func (s *instrumented) UpdateStudent(ctx context.Context, p storage.Principal, id string, in types.StudentInput) (types.Student, error) {
	start := time.Now()
	st, err := s.next.UpdateStudent(ctx, p, id, in)
	s.m.observe(storage.OpUpdate, start, err)
	return st, err
}

func (s *instrumented) DeleteStudent(ctx context.Context, p storage.Principal, id string) error {
	start := time.Now()
	err := s.next.DeleteStudent(ctx, p, id)
	s.m.observe(storage.OpDelete, start, err)
	return err
}
