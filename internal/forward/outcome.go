package forward

import (
	stderrors "errors"
	"time"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/store"
)

// Request is one outbound call, or the inbound request a chain starts from.
type Request struct {
	Method  string
	URL     string // concrete target, set per leg
	Path    string // inbound proxy path the target is derived from
	Query   string
	Headers map[string]string
	Body    []byte
	Depth   int
}

// Outcome is the uniform result of a leg. The outcome of a whole forward is
// the outcome of its last leg, with Legs and ChainElapsed covering the chain.
type Outcome struct {
	Success    bool              `json:"success"`
	StatusCode int               `json:"status_code,omitempty"`
	Body       []byte            `json:"-"`
	Headers    map[string]string `json:"headers,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
	Err        error             `json:"-"`
	Error      string            `json:"error,omitempty"`

	TargetURL    string        `json:"target_url,omitempty"`
	RuleID       string        `json:"rule_id,omitempty"`
	Attempts     int           `json:"attempts"`
	Legs         int           `json:"legs"`
	ChainElapsed time.Duration `json:"chain_elapsed"`
}

func (o *Outcome) setErr(err error) {
	o.Success = false
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// Status maps the outcome onto a captured request status.
func (o *Outcome) Status() string {
	switch {
	case o == nil:
		return store.StatusPending
	case o.Success:
		return store.StatusSuccess
	case stderrors.Is(o.Err, errors.ErrNoMatchingRule):
		return store.StatusNoRule
	case stderrors.Is(o.Err, errors.ErrTimeout):
		return store.StatusTimeout
	default:
		return store.StatusFailed
	}
}

// Forwarded reports whether at least one leg was dispatched to a target.
// Internal redirects alone do not count.
func (o *Outcome) Forwarded() bool {
	return o != nil && o.Legs > 0
}
