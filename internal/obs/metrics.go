package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ideahub/ideahub/internal/gateway"
	"github.com/ideahub/ideahub/internal/ratelimit"
	"github.com/ideahub/ideahub/internal/routing"
)

const ungoverned = "ungoverned"

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Admissions      *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	Evictions       prometheus.Counter
}

// NewMetrics registers the metric set on reg. buckets reports the live
// registry size for the ideahub_limiter_buckets gauge and may be nil.
func NewMetrics(reg prometheus.Registerer, buckets func() int) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ideahub_requests_total",
				Help: "Total HTTP requests served",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ideahub_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ideahub_admissions_total",
				Help: "Admission decisions on governed routes",
			},
			[]string{"route", "outcome"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ideahub_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"route"},
		),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ideahub_limiter_evictions_total",
			Help: "Idle buckets removed from the registry",
		}),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Admissions, m.LimiterErrors, m.Evictions)
	if buckets != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ideahub_limiter_buckets",
				Help: "Buckets currently held by the registry",
			},
			func() float64 { return float64(buckets()) },
		))
	}
	return m
}

// Hooks feeds admission outcomes into the counters.
func (m *Metrics) Hooks() gateway.Hooks {
	return gateway.Hooks{
		OnDecision: func(_ *http.Request, rule *routing.Rule, _ string, dec ratelimit.Decision) {
			outcome := "admitted"
			if !dec.Allowed {
				outcome = "rejected"
			}
			m.Admissions.WithLabelValues(rule.ID, outcome).Inc()
		},
		OnError: func(routeID string) {
			m.LimiterErrors.WithLabelValues(routeID).Inc()
		},
	}
}

// ObserveSweep is meant for the janitor callback.
func (m *Metrics) ObserveSweep(removed int) {
	m.Evictions.Add(float64(removed))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics. It must sit inside
// gateway.ResolveRule to see the matched rule; other requests are labelled
// "ungoverned".
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := ungoverned
			if rt, ok := routing.RuleFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
