package routing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ideahub/ideahub/internal/ratelimit"
)

var policy = ratelimit.Policy{Capacity: 10, RefillPerSecond: 1}

func methods(ms ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range ms {
		out[m] = struct{}{}
	}
	return out
}

func mustTable(t *testing.T, rules ...*Rule) *Table {
	t.Helper()
	tb := New()
	for _, rt := range rules {
		if err := tb.Add(rt); err != nil {
			t.Fatalf("Add(%q): %v", rt.ID, err)
		}
	}
	return tb
}

func TestTable_Match(t *testing.T) {
	tb := mustTable(t,
		&Rule{ID: "submit", Methods: methods("POST"), Path: "/api/ideas", Policy: policy},
		&Rule{ID: "hub", Methods: methods("get"), Prefix: "/api/hub/", Policy: policy},
		&Rule{ID: "any-folders", Path: "/api/folders", Policy: policy},
	)

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/api/ideas", "submit"},
		{"post", "/api/ideas", "submit"},
		{"GET", "/api/ideas", ""},
		{"POST", "/api/ideas/123", ""},
		{"GET", "/api/hub", "hub"},
		{"GET", "/api/hub/top", "hub"},
		{"GET", "/api/hubs", ""},
		{"DELETE", "/api/folders", "any-folders"},
		{"GET", "/health", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rt, ok := tb.Match(tt.method, tt.path)
			if tt.want == "" {
				if ok {
					t.Fatalf("Match() = %q, want no match", rt.ID)
				}
				return
			}
			if !ok || rt.ID != tt.want {
				t.Fatalf("Match() = %v, %v; want %q", rt, ok, tt.want)
			}
		})
	}
}

func TestTable_FirstMatchWins(t *testing.T) {
	tb := mustTable(t,
		&Rule{ID: "broad", Prefix: "/api", Policy: policy},
		&Rule{ID: "narrow", Methods: methods("POST"), Path: "/api/ideas", Policy: policy},
	)

	rt, ok := tb.Match("POST", "/api/ideas")
	if !ok || rt.ID != "broad" {
		t.Fatalf("overlapping rules must resolve to the first added, got %v", rt)
	}

	tb = mustTable(t,
		&Rule{ID: "narrow", Methods: methods("POST"), Path: "/api/ideas", Policy: policy},
		&Rule{ID: "broad", Prefix: "/api", Policy: policy},
	)
	rt, _ = tb.Match("POST", "/api/ideas")
	if rt.ID != "narrow" {
		t.Fatalf("got %q, want narrow", rt.ID)
	}
}

func TestTable_AddRejectsBadRules(t *testing.T) {
	tb := New()
	if err := tb.Add(&Rule{ID: "a", Path: "/x", Policy: policy}); err != nil {
		t.Fatal(err)
	}
	if err := tb.Add(&Rule{ID: "a", Path: "/y", Policy: policy}); !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("duplicate id err = %v", err)
	}
	if err := tb.Add(&Rule{ID: "b", Path: "/y"}); !errors.Is(err, ratelimit.ErrInvalidPolicy) {
		t.Errorf("zero policy err = %v", err)
	}
	if len(tb.Rules()) != 1 {
		t.Errorf("Rules() len = %d, want 1", len(tb.Rules()))
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"":              "/",
		"/":             "/",
		"/api/ideas/":   "/api/ideas",
		"/api//ideas":   "/api/ideas",
		"api/ideas":     "/api/ideas",
		"/api/./ideas":  "/api/ideas",
		"/api/x/../hub": "/api/hub",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRuleContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/hub", nil)
	if _, ok := RuleFrom(r); ok {
		t.Fatal("fresh request should carry no rule")
	}

	rt := &Rule{ID: "hub"}
	got, ok := RuleFrom(WithRule(r, rt))
	if !ok || got != rt {
		t.Fatalf("RuleFrom() = %v, %v", got, ok)
	}
}
