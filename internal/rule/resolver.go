package rule

import (
	"context"
	"strings"

	"github.com/wudi/relay/internal/errors"
)

// Source reads forward rules. EnabledRules must return rules in declaration order.
type Source interface {
	EnabledRules(ctx context.Context, method string) ([]*ForwardRule, error)
	Rule(ctx context.Context, id string) (*ForwardRule, error)
}

// Resolver selects the single rule that applies to a (path, method) pair.
// Rules are read from the source on every call so edits apply immediately.
type Resolver struct {
	source Source
}

// NewResolver creates a resolver over src.
func NewResolver(src Source) *Resolver {
	return &Resolver{source: src}
}

// Resolve returns the exact match for path and method if one exists, else
// the first wildcard match in declaration order. It returns
// errors.ErrNoMatchingRule when nothing applies.
func (r *Resolver) Resolve(ctx context.Context, path, method string) (*ForwardRule, error) {
	if i := strings.IndexByte(path, '?'); i != -1 {
		path = path[:i]
	}

	rules, err := r.source.EnabledRules(ctx, strings.ToUpper(method))
	if err != nil {
		return nil, err
	}

	for _, fr := range rules {
		if !fr.IsWildcard() && fr.ProxyPath == path {
			return fr, nil
		}
	}
	for _, fr := range rules {
		if fr.IsWildcard() && Match(fr.ProxyPath, path) {
			return fr, nil
		}
	}
	return nil, errors.ErrNoMatchingRule
}

// Rule looks up a rule by id regardless of its enabled flag.
func (r *Resolver) Rule(ctx context.Context, id string) (*ForwardRule, error) {
	return r.source.Rule(ctx, id)
}
