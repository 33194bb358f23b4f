// Package metrics exposes the bot's Prometheus counters. Components depend on
// the Recorder interface; Noop is used when metrics are disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder interface {
	IncAward(reason string, points int64)
	IncAudit()
	IncChatOutcome(outcome string)
	ObserveSweep(eligible, awarded, failed int, duration time.Duration)
	IncClip(action string)
	IncAnnouncement(transport string, ok bool)
	IncRequestsTotal(route string, status int)
	ObserveRequestDuration(route string, duration time.Duration)
}

type Prometheus struct {
	awardsTotal     *prometheus.CounterVec
	pointsTotal     *prometheus.CounterVec
	auditTotal      prometheus.Counter
	chatOutcomes    *prometheus.CounterVec
	sweepUsers      *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	clipsTotal      *prometheus.CounterVec
	announcements   *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Passing a fresh registry per test
// avoids duplicate registration panics.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		awardsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitybot_awards_total",
			Help: "Number of point awards by reason",
		}, []string{"reason"}),
		pointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitybot_points_awarded_total",
			Help: "Sum of awarded points by reason",
		}, []string{"reason"}),
		auditTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "activitybot_large_awards_total",
			Help: "Awards above the audit threshold",
		}),
		chatOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitybot_chat_messages_total",
			Help: "Chat messages by point outcome",
		}, []string{"outcome"}),
		sweepUsers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitybot_sweep_users_total",
			Help: "Users handled by the viewtime sweeper",
		}, []string{"result"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitybot_sweep_duration_seconds",
			Help:    "Duration of a viewtime sweep",
			Buckets: prometheus.DefBuckets,
		}),
		clipsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitybot_clips_total",
			Help: "Clip workflow transitions",
		}, []string{"action"}),
		announcements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitybot_announcements_total",
			Help: "Chat announcements by transport and result",
		}, []string{"transport", "result"}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitybot_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "activitybot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Prometheus) IncAward(reason string, points int64) {
	m.awardsTotal.WithLabelValues(reason).Inc()
	m.pointsTotal.WithLabelValues(reason).Add(float64(points))
}

func (m *Prometheus) IncAudit() {
	m.auditTotal.Inc()
}

func (m *Prometheus) IncChatOutcome(outcome string) {
	m.chatOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) ObserveSweep(eligible, awarded, failed int, duration time.Duration) {
	m.sweepUsers.WithLabelValues("eligible").Add(float64(eligible))
	m.sweepUsers.WithLabelValues("awarded").Add(float64(awarded))
	m.sweepUsers.WithLabelValues("failed").Add(float64(failed))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Prometheus) IncClip(action string) {
	m.clipsTotal.WithLabelValues(action).Inc()
}

func (m *Prometheus) IncAnnouncement(transport string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.announcements.WithLabelValues(transport, result).Inc()
}

func (m *Prometheus) IncRequestsTotal(route string, status int) {
	m.requestsTotal.WithLabelValues(route, statusBucket(status)).Inc()
}

func (m *Prometheus) ObserveRequestDuration(route string, duration time.Duration) {
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncAward(string, int64)                       {}
func (Noop) IncAudit()                                    {}
func (Noop) IncChatOutcome(string)                        {}
func (Noop) ObserveSweep(int, int, int, time.Duration)    {}
func (Noop) IncClip(string)                               {}
func (Noop) IncAnnouncement(string, bool)                 {}
func (Noop) IncRequestsTotal(string, int)                 {}
func (Noop) ObserveRequestDuration(string, time.Duration) {}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware counts requests per route pattern. route maps a request to a
// low-cardinality label.
func Middleware(rec Recorder, route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			name := route(r)
			rec.IncRequestsTotal(name, sw.status)
			rec.ObserveRequestDuration(name, time.Since(start))
		})
	}
}
