package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ideahub/ideahub/internal/gateway"
	"github.com/ideahub/ideahub/internal/ratelimit"
	"github.com/ideahub/ideahub/internal/ratelimit/memory"
	"github.com/ideahub/ideahub/internal/routing"
)

func TestMetrics_AdmissionsAndRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	lim := memory.New()
	m := NewMetrics(reg, lim.Len)

	tb := routing.New()
	if err := tb.Add(&routing.Rule{
		ID:      "react",
		Methods: map[string]struct{}{http.MethodPost: {}},
		Path:    "/api/reactions",
		Policy:  ratelimit.Policy{Capacity: 1, RefillPerSecond: 0.001},
	}); err != nil {
		t.Fatal(err)
	}

	h := gateway.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) }),
		gateway.ResolveRule(tb, "/api/"),
		m.Middleware(map[string]struct{}{"/health": {}}),
		gateway.RateLimit(gateway.RateLimitOptions{Limiter: lim, Hooks: m.Hooks()}),
	)

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/reactions", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/hub", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if got := testutil.ToFloat64(m.Admissions.WithLabelValues("react", "admitted")); got != 1 {
		t.Errorf("admitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Admissions.WithLabelValues("react", "rejected")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("react", "POST", "429")); got != 2 {
		t.Errorf("429 requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("react", "POST", "201")); got != 1 {
		t.Errorf("201 requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(ungoverned, "GET", "201")); got != 1 {
		t.Errorf("ungoverned requests = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.RequestsTotal); n != 3 {
		t.Errorf("request series = %d, want 3 (health is skipped)", n)
	}

	m.ObserveSweep(4)
	if got := testutil.ToFloat64(m.Evictions); got != 4 {
		t.Errorf("evictions = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var gauge float64 = -1
	for _, f := range families {
		if f.GetName() == "ideahub_limiter_buckets" {
			gauge = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if gauge != 1 {
		t.Errorf("bucket gauge = %v, want 1", gauge)
	}
}

func TestLogger_WritesAccessLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/ideas", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	r.Header.Set("X-Request-ID", "abc123")
	h.ServeHTTP(httptest.NewRecorder(), r)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("access log is not one JSON line: %v (%q)", err, buf.String())
	}
	if line["message"] != "req" || line["path"] != "/api/ideas" || line["client"] != "203.0.113.5" {
		t.Errorf("unexpected access line: %v", line)
	}
	if line["status"] != float64(http.StatusAccepted) {
		t.Errorf("status = %v", line["status"])
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	if got := NewLogger(&buf, "nonsense").GetLevel().String(); got != "info" {
		t.Errorf("fallback level = %s", got)
	}
	if got := NewLogger(&buf, "WARN").GetLevel().String(); got != "warn" {
		t.Errorf("level = %s", got)
	}
	if got := NewLogger(&buf, "").GetLevel().String(); got != "info" {
		t.Errorf("empty level = %s", got)
	}
}
