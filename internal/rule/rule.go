package rule

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
)

// ExtractMode selects where a token is read from after a successful leg.
type ExtractMode string

const (
	ExtractNone    ExtractMode = "none"
	ExtractAuto    ExtractMode = "auto"
	ExtractBody    ExtractMode = "body"
	ExtractHeaders ExtractMode = "headers"
)

// DefaultTokenHeader is used when a rule does not name the injection header.
const DefaultTokenHeader = "Authorization"

// ForwardRule maps an inbound path/method pattern to an outbound target.
type ForwardRule struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	ProxyPath        string            `json:"proxy_path"`
	Method           string            `json:"method"`
	TargetURL        string            `json:"target_url"`
	PathRewrite      string            `json:"path_rewrite,omitempty"`
	AddHeaders       map[string]string `json:"add_headers,omitempty"`
	RemoveHeaders    []string          `json:"remove_headers,omitempty"`
	ExtractTokenFrom ExtractMode       `json:"extract_token_from,omitempty"`
	TokenPath        string            `json:"token_path,omitempty"`
	TokenHeaderName  string            `json:"token_header_name,omitempty"`
	NextRuleID       string            `json:"next_rule_id,omitempty"`
	Enabled          bool              `json:"enabled"`
	TimeoutMs        int               `json:"timeout_ms,omitempty"`
	RetryCount       int               `json:"retry_count,omitempty"`
	RetryDelayMs     int               `json:"retry_delay_ms,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// FromConfig converts a config-declared rule.
func FromConfig(rc config.RuleConfig) *ForwardRule {
	r := &ForwardRule{
		ID:               rc.ID,
		Name:             rc.Name,
		ProxyPath:        rc.ProxyPath,
		Method:           strings.ToUpper(rc.Method),
		TargetURL:        rc.TargetURL,
		PathRewrite:      rc.PathRewrite,
		RemoveHeaders:    append([]string(nil), rc.RemoveHeaders...),
		ExtractTokenFrom: ExtractMode(strings.ToLower(rc.ExtractTokenFrom)),
		TokenPath:        rc.TokenPath,
		TokenHeaderName:  rc.TokenHeaderName,
		NextRuleID:       rc.NextRule,
		Enabled:          rc.IsEnabled(),
		TimeoutMs:        rc.TimeoutMs,
		RetryCount:       rc.RetryCount,
		RetryDelayMs:     rc.RetryDelayMs,
	}
	if len(rc.AddHeaders) > 0 {
		r.AddHeaders = make(map[string]string, len(rc.AddHeaders))
		for k, v := range rc.AddHeaders {
			r.AddHeaders[k] = v
		}
	}
	if r.ExtractTokenFrom == "" {
		r.ExtractTokenFrom = ExtractNone
	}
	return r
}

// IsWildcard reports whether ProxyPath ends in "*".
func (r *ForwardRule) IsWildcard() bool {
	return strings.HasSuffix(r.ProxyPath, "*")
}

// Prefix returns ProxyPath without its trailing wildcard.
func (r *ForwardRule) Prefix() string {
	return strings.TrimSuffix(r.ProxyPath, "*")
}

// TokenHeader returns the header the extracted token is injected under.
func (r *ForwardRule) TokenHeader() string {
	if r.TokenHeaderName == "" {
		return DefaultTokenHeader
	}
	return r.TokenHeaderName
}

// Chains reports whether a successful leg on this rule may continue into NextRuleID.
func (r *ForwardRule) Chains() bool {
	return r.NextRuleID != "" && r.ExtractTokenFrom != "" && r.ExtractTokenFrom != ExtractNone
}

// Timeout returns the per-attempt timeout, falling back to def.
func (r *ForwardRule) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMs > 0 {
		return time.Duration(r.TimeoutMs) * time.Millisecond
	}
	return def
}

// RetryDelay returns the constant delay between attempts.
func (r *ForwardRule) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMs) * time.Millisecond
}

// Clone returns a deep copy.
func (r *ForwardRule) Clone() *ForwardRule {
	c := *r
	if r.AddHeaders != nil {
		c.AddHeaders = make(map[string]string, len(r.AddHeaders))
		for k, v := range r.AddHeaders {
			c.AddHeaders[k] = v
		}
	}
	c.RemoveHeaders = append([]string(nil), r.RemoveHeaders...)
	return &c
}

// Conflicts reports whether a and b would both exactly match the same
// (path, method) while enabled.
func Conflicts(a, b *ForwardRule) bool {
	if a.ID == b.ID || !a.Enabled || !b.Enabled {
		return false
	}
	if a.IsWildcard() || b.IsWildcard() {
		return false
	}
	return a.ProxyPath == b.ProxyPath && strings.EqualFold(a.Method, b.Method)
}

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Normalize canonicalizes case-insensitive fields in place.
func (r *ForwardRule) Normalize() {
	r.Method = strings.ToUpper(r.Method)
	r.ExtractTokenFrom = ExtractMode(strings.ToLower(string(r.ExtractTokenFrom)))
	if r.ExtractTokenFrom == "" {
		r.ExtractTokenFrom = ExtractNone
	}
}

// Validate checks a rule submitted through the admin API.
func (r *ForwardRule) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.ErrBadRequest.WithDetails(fmt.Sprintf(format, args...))
	}

	if !strings.HasPrefix(r.ProxyPath, "/") {
		return fail("proxy_path must start with /")
	}
	if idx := strings.Index(r.ProxyPath, "*"); idx != -1 && idx != len(r.ProxyPath)-1 {
		return fail("proxy_path supports only a single trailing *")
	}
	if !validMethods[r.Method] {
		return fail("invalid method %q", r.Method)
	}
	if strings.Count(r.TargetURL, "*") > 1 {
		return fail("target_url supports at most one *")
	}
	u, err := url.Parse(strings.Replace(r.TargetURL, "*", "", 1))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fail("target_url must be an absolute URL")
	}
	switch r.ExtractTokenFrom {
	case ExtractNone, ExtractAuto, ExtractBody, ExtractHeaders:
	default:
		return fail("invalid extract_token_from %q", r.ExtractTokenFrom)
	}
	if r.TimeoutMs < 0 || r.RetryCount < 0 || r.RetryDelayMs < 0 {
		return fail("timeout_ms, retry_count and retry_delay_ms must not be negative")
	}
	return nil
}
