package rule

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
)

type staticSource []*ForwardRule

func (s staticSource) EnabledRules(_ context.Context, method string) ([]*ForwardRule, error) {
	var out []*ForwardRule
	for _, r := range s {
		if r.Enabled && r.Method == method {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s staticSource) Rule(_ context.Context, id string) (*ForwardRule, error) {
	for _, r := range s {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.ErrNotFound
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/proxy/svc", "/api/proxy/svc", true},
		{"/api/proxy/svc", "/api/proxy/svc/", false},
		{"/api/proxy/svc", "/api/proxy/svcx", false},
		{"/api/proxy/svc/*", "/api/proxy/svc/orders/5", true},
		{"/api/proxy/svc/*", "/api/proxy/svc/", true},
		{"/api/proxy/svc/*", "/api/proxy/svc", false},
		{"/api/proxy/svc*", "/api/proxy/svcx", true},
		{"/api/*/svc", "/api/proxy/svc", false},
		{"*", "/anything", true},
	}

	for _, tt := range tests {
		if got := Match(tt.pattern, tt.path); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestMatch_WildcardPrefixProperty(t *testing.T) {
	prefixes := []string{"/", "/api/", "/api/proxy/svc/", "/api/proxy/svc"}
	paths := []string{
		"/", "/api", "/api/", "/api/proxy", "/api/proxy/svc", "/api/proxy/svc/",
		"/api/proxy/svc/orders/5", "/api/proxy/svcx", "/other/api/proxy/svc/",
	}

	for _, p := range prefixes {
		for _, path := range paths {
			want := strings.HasPrefix(path, p)
			if got := Match(p+"*", path); got != want {
				t.Errorf("Match(%q, %q) = %v, want %v", p+"*", path, got, want)
			}
		}
	}
}

func TestResolve_ExactBeatsWildcard(t *testing.T) {
	src := staticSource{
		{ID: "wild", ProxyPath: "/api/proxy/svc/*", Method: "GET", Enabled: true},
		{ID: "exact", ProxyPath: "/api/proxy/svc/orders", Method: "GET", Enabled: true},
	}
	r := NewResolver(src)

	got, err := r.Resolve(context.Background(), "/api/proxy/svc/orders", "GET")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != "exact" {
		t.Errorf("expected exact rule, got %s", got.ID)
	}

	got, err = r.Resolve(context.Background(), "/api/proxy/svc/orders/5", "get")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != "wild" {
		t.Errorf("expected wildcard rule, got %s", got.ID)
	}
}

func TestResolve_WildcardDeclarationOrder(t *testing.T) {
	src := staticSource{
		{ID: "broad", ProxyPath: "/api/proxy/*", Method: "POST", Enabled: true},
		{ID: "narrow", ProxyPath: "/api/proxy/svc/*", Method: "POST", Enabled: true},
	}

	got, err := NewResolver(src).Resolve(context.Background(), "/api/proxy/svc/x", "POST")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != "broad" {
		t.Errorf("expected first declared wildcard, got %s", got.ID)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	src := staticSource{
		{ID: "disabled", ProxyPath: "/api/proxy/a", Method: "GET", Enabled: false},
		{ID: "post", ProxyPath: "/api/proxy/a", Method: "POST", Enabled: true},
	}

	_, err := NewResolver(src).Resolve(context.Background(), "/api/proxy/a", "GET")
	if !stderrors.Is(err, errors.ErrNoMatchingRule) {
		t.Fatalf("expected ErrNoMatchingRule, got %v", err)
	}
}

func TestResolve_StripsQuery(t *testing.T) {
	src := staticSource{{ID: "a", ProxyPath: "/api/proxy/a", Method: "GET", Enabled: true}}

	got, err := NewResolver(src).Resolve(context.Background(), "/api/proxy/a?x=1", "GET")
	if err != nil || got.ID != "a" {
		t.Fatalf("expected rule a, got %v, %v", got, err)
	}
}

func TestFromConfig(t *testing.T) {
	disabled := false
	rc := config.RuleConfig{
		ID:               "svc",
		ProxyPath:        "/api/proxy/svc/*",
		Method:           "post",
		TargetURL:        "https://real/*",
		AddHeaders:       map[string]string{"X-Env": "prod"},
		ExtractTokenFrom: "BODY",
		NextRule:         "data",
		Enabled:          &disabled,
		TimeoutMs:        1000,
		RetryCount:       1,
		RetryDelayMs:     250,
	}

	r := FromConfig(rc)
	if r.Method != "POST" {
		t.Errorf("expected POST, got %s", r.Method)
	}
	if r.ExtractTokenFrom != ExtractBody {
		t.Errorf("expected body mode, got %s", r.ExtractTokenFrom)
	}
	if r.Enabled {
		t.Error("expected disabled rule")
	}
	if r.NextRuleID != "data" || !r.Chains() {
		t.Error("expected rule to chain into data")
	}
	if r.Timeout(time.Second*30) != time.Second {
		t.Errorf("unexpected timeout %v", r.Timeout(time.Second*30))
	}
	if r.RetryDelay() != 250*time.Millisecond {
		t.Errorf("unexpected retry delay %v", r.RetryDelay())
	}

	rc.AddHeaders["X-Env"] = "mutated"
	if r.AddHeaders["X-Env"] != "prod" {
		t.Error("FromConfig must copy header maps")
	}
}

func TestDefaults(t *testing.T) {
	r := FromConfig(config.RuleConfig{ID: "a"})
	if r.ExtractTokenFrom != ExtractNone {
		t.Errorf("expected none mode, got %s", r.ExtractTokenFrom)
	}
	if r.TokenHeader() != "Authorization" {
		t.Errorf("expected Authorization, got %s", r.TokenHeader())
	}
	if r.Chains() {
		t.Error("rule without next must not chain")
	}
	if r.Timeout(5*time.Second) != 5*time.Second {
		t.Error("expected fallback timeout")
	}
}

func TestConflicts(t *testing.T) {
	a := &ForwardRule{ID: "a", ProxyPath: "/x", Method: "GET", Enabled: true}
	b := &ForwardRule{ID: "b", ProxyPath: "/x", Method: "get", Enabled: true}

	if !Conflicts(a, b) {
		t.Error("expected conflict")
	}
	b.Enabled = false
	if Conflicts(a, b) {
		t.Error("disabled rule must not conflict")
	}
	b.Enabled = true
	b.ID = "a"
	if Conflicts(a, b) {
		t.Error("a rule never conflicts with itself")
	}
	w1 := &ForwardRule{ID: "w1", ProxyPath: "/x/*", Method: "GET", Enabled: true}
	w2 := &ForwardRule{ID: "w2", ProxyPath: "/x/*", Method: "GET", Enabled: true}
	if Conflicts(w1, w2) {
		t.Error("wildcard rules never conflict")
	}
}

func TestValidate(t *testing.T) {
	base := func() *ForwardRule {
		return &ForwardRule{
			ProxyPath:        "/api/proxy/a/*",
			Method:           "GET",
			TargetURL:        "https://real/*",
			ExtractTokenFrom: ExtractNone,
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ForwardRule)
	}{
		{"relative path", func(r *ForwardRule) { r.ProxyPath = "api" }},
		{"inner wildcard", func(r *ForwardRule) { r.ProxyPath = "/a/*/b" }},
		{"bad method", func(r *ForwardRule) { r.Method = "BREW" }},
		{"relative target", func(r *ForwardRule) { r.TargetURL = "/x" }},
		{"two placeholders", func(r *ForwardRule) { r.TargetURL = "https://real/*/*" }},
		{"bad mode", func(r *ForwardRule) { r.ExtractTokenFrom = "cookie" }},
		{"negative retries", func(r *ForwardRule) { r.RetryCount = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(r)
			err := r.Validate()
			if !stderrors.Is(err, errors.ErrBadRequest) {
				t.Errorf("expected ErrBadRequest, got %v", err)
			}
		})
	}
}

func TestClone(t *testing.T) {
	r := &ForwardRule{ID: "a", AddHeaders: map[string]string{"k": "v"}, RemoveHeaders: []string{"x"}}
	c := r.Clone()
	c.AddHeaders["k"] = "changed"
	c.RemoveHeaders[0] = "y"
	if r.AddHeaders["k"] != "v" || r.RemoveHeaders[0] != "x" {
		t.Error("Clone must not share maps or slices")
	}
}
