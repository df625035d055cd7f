package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wudi/relay/internal/rule"
)

// Forward status values recorded on a CapturedRequest.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusNoRule  = "no_rule"
)

// CapturedRequest is an inbound request as received on the proxy surface,
// plus the result of forwarding it.
type CapturedRequest struct {
	ID        string            `json:"id"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	Forwarded       bool              `json:"forwarded"`
	RuleID          string            `json:"rule_id,omitempty"`
	TargetURL       string            `json:"target_url,omitempty"`
	ElapsedMs       int64             `json:"elapsed_ms"`
	StatusCode      int               `json:"status_code,omitempty"`
	Status          string            `json:"status"`
	Error           string            `json:"error,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ForwardedAt     *time.Time        `json:"forwarded_at,omitempty"`

	ReplayCount  int        `json:"replay_count"`
	LastReplayAt *time.Time `json:"last_replay_at,omitempty"`
}

// Clone returns a deep copy.
func (r *CapturedRequest) Clone() *CapturedRequest {
	c := *r
	c.Headers = cloneMap(r.Headers)
	c.ResponseHeaders = cloneMap(r.ResponseHeaders)
	if r.ForwardedAt != nil {
		t := *r.ForwardedAt
		c.ForwardedAt = &t
	}
	if r.LastReplayAt != nil {
		t := *r.LastReplayAt
		c.LastReplayAt = &t
	}
	return &c
}

// KeyDiff holds both sides of a top-level JSON key that changed. A missing
// key is reported as null.
type KeyDiff struct {
	Original json.RawMessage `json:"original"`
	Replay   json.RawMessage `json:"replay"`
}

// Diff compares a replayed response to the originally recorded one.
type Diff struct {
	StatusMatch    bool               `json:"status_match"`
	OriginalStatus int                `json:"original_status"`
	ReplayStatus   int                `json:"replay_status"`
	ElapsedDeltaMs int64              `json:"elapsed_delta_ms"`
	JSON           bool               `json:"json"`
	Keys           map[string]KeyDiff `json:"keys,omitempty"`
	BodyDiffers    bool               `json:"body_differs"`
	OriginalHash   string             `json:"original_hash,omitempty"`
	ReplayHash     string             `json:"replay_hash,omitempty"`
}

// Empty reports whether the replay reproduced the original status and body.
func (d *Diff) Empty() bool {
	return d.StatusMatch && len(d.Keys) == 0 && !d.BodyDiffers
}

// ReplayRecord is one replay of a CapturedRequest. It is never modified
// after creation.
type ReplayRecord struct {
	ID         string            `json:"id"`
	RequestID  string            `json:"request_id"`
	RuleID     string            `json:"rule_id,omitempty"`
	TargetURL  string            `json:"target_url"`
	Method     string            `json:"method"`
	StatusCode int               `json:"status_code,omitempty"`
	Body       string            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ElapsedMs  int64             `json:"elapsed_ms"`
	Error      string            `json:"error,omitempty"`
	Diff       *Diff             `json:"diff,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Store persists captured requests, forward rules and replay records.
// Lookups of missing entities return errors.ErrNotFound.
type Store interface {
	rule.Source

	CreateRequest(ctx context.Context, req *CapturedRequest) error
	GetRequest(ctx context.Context, id string) (*CapturedRequest, error)
	UpdateRequest(ctx context.Context, req *CapturedRequest) error
	// ListRequests returns up to limit requests, newest first.
	ListRequests(ctx context.Context, limit int) ([]*CapturedRequest, error)
	// IncrementReplayCount bumps the replay counter and returns the new value.
	IncrementReplayCount(ctx context.Context, id string, at time.Time) (int, error)

	// ListRules returns every rule in declaration order.
	ListRules(ctx context.Context) ([]*rule.ForwardRule, error)
	// CreateRule rejects a rule that would duplicate an enabled exact match
	// with errors.ErrDuplicateRule.
	CreateRule(ctx context.Context, r *rule.ForwardRule) error
	UpdateRule(ctx context.Context, r *rule.ForwardRule) error
	DeleteRule(ctx context.Context, id string) error

	CreateReplay(ctx context.Context, rec *ReplayRecord) error
	// ListReplays returns the replays of a request, oldest first.
	ListReplays(ctx context.Context, requestID string) ([]*ReplayRecord, error)

	Close() error
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
