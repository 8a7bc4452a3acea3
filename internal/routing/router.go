package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/ideahub/ideahub/internal/ratelimit"
)

var ErrDuplicateRule = errors.New("duplicate rule id")

// Rule governs the requests matching Methods and either Path (exact) or
// Prefix. An empty Methods set matches any method.
type Rule struct {
	ID      string
	Methods map[string]struct{}
	Path    string
	Prefix  string
	Policy  ratelimit.Policy
}

func (rt *Rule) matches(method, p string) bool {
	if len(rt.Methods) > 0 {
		if _, ok := rt.Methods[method]; !ok {
			return false
		}
	}
	if rt.Path != "" {
		return p == rt.Path
	}
	prefix := rt.Prefix
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Table is an ordered rule list. Match returns the first rule in insertion
// order, so overlapping matchers resolve to whichever was added first.
type Table struct {
	rules []*Rule
	ids   map[string]struct{}
}

func New() *Table {
	return &Table{ids: map[string]struct{}{}}
}

func (t *Table) Add(rt *Rule) error {
	if _, dup := t.ids[rt.ID]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateRule, rt.ID)
	}
	if err := rt.Policy.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", rt.ID, err)
	}

	methods := make(map[string]struct{}, len(rt.Methods))
	for m := range rt.Methods {
		methods[strings.ToUpper(m)] = struct{}{}
	}
	rt.Methods = methods
	if rt.Path != "" {
		rt.Path = Normalize(rt.Path)
	} else {
		rt.Prefix = Normalize(rt.Prefix)
	}

	t.ids[rt.ID] = struct{}{}
	t.rules = append(t.rules, rt)
	return nil
}

func (t *Table) Rules() []*Rule {
	return t.rules
}

// Match expects a path already passed through Normalize.
func (t *Table) Match(method string, p string) (*Rule, bool) {
	m := strings.ToUpper(method)
	for _, rt := range t.rules {
		if rt.matches(m, p) {
			return rt, true
		}
	}
	return nil, false
}

// Normalize cleans a request path so "/api/ideas/", "/api//ideas" and
// "/api/ideas" share one bucket.
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// --- context helpers ---
type ctxKey int

const keyRule ctxKey = 0

func WithRule(r *http.Request, rt *Rule) *http.Request {
	ctx := context.WithValue(r.Context(), keyRule, rt)
	return r.WithContext(ctx)
}

func RuleFrom(r *http.Request) (*Rule, bool) {
	v := r.Context().Value(keyRule)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Rule)
	return rt, ok
}
