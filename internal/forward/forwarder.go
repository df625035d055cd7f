package forward

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/extract"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/proxy"
	"github.com/wudi/relay/internal/rule"
	"github.com/wudi/relay/internal/store"
)

// DefaultMaxChainDepth bounds how many legs one inbound request may cause.
const DefaultMaxChainDepth = 5

// recordTimeout bounds persisting a forward result.
const recordTimeout = 5 * time.Second

// Options configures a Forwarder.
type Options struct {
	MountPrefix   string
	MaxChainDepth int
	ChainDeadline time.Duration
	Metrics       *metrics.Collector
}

// Forwarder resolves the rule for a captured request and runs it, following
// chained rules until a leg ends the chain.
type Forwarder struct {
	store      store.Store
	resolver   *rule.Resolver
	dispatcher *Dispatcher
	metrics    *metrics.Collector

	mountPrefix   string
	maxDepth      int
	chainDeadline time.Duration
}

// NewForwarder creates a forwarder reading rules from st and sending legs
// through d.
func NewForwarder(st store.Store, d *Dispatcher, opts Options) *Forwarder {
	if opts.MaxChainDepth <= 0 {
		opts.MaxChainDepth = DefaultMaxChainDepth
	}
	return &Forwarder{
		store:         st,
		resolver:      rule.NewResolver(st),
		dispatcher:    d,
		metrics:       opts.Metrics,
		mountPrefix:   opts.MountPrefix,
		maxDepth:      opts.MaxChainDepth,
		chainDeadline: opts.ChainDeadline,
	}
}

// Resolver returns the rule resolver used for inbound paths.
func (f *Forwarder) Resolver() *rule.Resolver {
	return f.resolver
}

// Forward resolves the rule for req, runs it, and records the result on the
// stored request. When no rule matches, the request is marked no_rule and the
// returned outcome carries errors.ErrNoMatchingRule.
func (f *Forwarder) Forward(ctx context.Context, req *store.CapturedRequest) *Outcome {
	r, err := f.resolver.Resolve(ctx, req.Path, req.Method)
	if err != nil {
		out := &Outcome{}
		if stderrors.Is(err, errors.ErrNoMatchingRule) {
			out.setErr(err)
		} else {
			out.setErr(errors.Wrap(errors.ErrInternal, err))
		}
		f.record(ctx, req, out)
		return out
	}

	out := f.Execute(ctx, r, Request{
		Method:  req.Method,
		Path:    req.Path,
		Query:   req.Query,
		Headers: req.Headers,
		Body:    []byte(req.Body),
	})
	f.record(ctx, req, out)
	return out
}

// Execute runs r for in, following NextRuleID links while each leg succeeds
// and yields a token. The returned outcome is that of the last leg, or a
// depth-exceeded failure when the chain would go deeper than the limit.
func (f *Forwarder) Execute(ctx context.Context, r *rule.ForwardRule, in Request) *Outcome {
	start := time.Now()
	if f.chainDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.chainDeadline)
		defer cancel()
	}

	out := f.run(ctx, r, in)
	out.ChainElapsed = time.Since(start)
	f.metrics.RecordChain(out.Legs)
	return out
}

func (f *Forwarder) run(ctx context.Context, cur *rule.ForwardRule, req Request) *Outcome {
	// depth counts internal redirects as well as dispatched legs; legs
	// counts only the HTTP calls actually made.
	var (
		last   *Outcome
		inject map[string]string
		depth  int
		legs   int
	)

	for {
		if depth >= f.maxDepth {
			return f.depthExceeded(cur, last, legs)
		}

		target := proxy.WithQuery(proxy.BuildTarget(cur, req.Path, f.mountPrefix), req.Query)

		if p, ok := proxy.InternalPath(target, f.mountPrefix); ok {
			if next, err := f.resolver.Resolve(ctx, p, req.Method); err == nil {
				logging.Debug("internal redirect",
					zap.String("rule_id", cur.ID),
					zap.String("path", p),
					zap.String("next_rule_id", next.ID),
				)
				req.Path = p
				req.Query = queryOf(target)
				cur = next
				depth++
				continue
			}
		}

		headers := proxy.TransformHeaders(req.Headers, cur)
		for k, v := range inject {
			proxy.SetHeader(headers, k, v)
		}

		out := f.dispatcher.Dispatch(ctx, Request{
			Method:  req.Method,
			URL:     target,
			Headers: headers,
			Body:    req.Body,
			Depth:   depth,
		}, cur)
		depth++
		legs++
		out.Legs = legs
		last = out

		if !out.Success || !cur.Chains() {
			return out
		}

		token, ok := extract.Token(out.Body, out.Headers, cur)
		if !ok {
			logging.Debug("chain ended",
				zap.String("rule_id", cur.ID),
				zap.Error(errors.ErrTokenExtractionFailed),
			)
			return out
		}

		next, err := f.resolver.Rule(ctx, cur.NextRuleID)
		if err != nil || !next.Enabled {
			logging.Debug("chain ended, next rule unavailable",
				zap.String("rule_id", cur.ID),
				zap.String("next_rule_id", cur.NextRuleID),
				zap.Error(err),
			)
			return out
		}

		if exp, ok := extract.Expiry(token); ok && time.Now().After(exp) {
			logging.Warn("chained token already expired",
				zap.String("rule_id", cur.ID),
				zap.String("next_rule_id", next.ID),
				zap.Time("expired_at", exp),
			)
		}

		header := cur.TokenHeader()
		if strings.EqualFold(header, rule.DefaultTokenHeader) {
			token = "Bearer " + token
		}
		inject = map[string]string{header: token}

		if !proxy.IsUnderMount(req.Path, f.mountPrefix) {
			req.Path = next.Prefix()
		}
		req.Method = next.Method
		cur = next
	}
}

func (f *Forwarder) depthExceeded(cur *rule.ForwardRule, last *Outcome, legs int) *Outcome {
	err := errors.ErrChainDepthExceeded.WithDetails(
		fmt.Sprintf("chain depth %d reached at rule %s", f.maxDepth, cur.ID))
	logging.Warn("forward chain depth exceeded",
		zap.String("rule_id", cur.ID),
		zap.Int("max_depth", f.maxDepth),
	)

	out := &Outcome{RuleID: cur.ID, Legs: legs}
	if last != nil {
		out.StatusCode = last.StatusCode
		out.Headers = last.Headers
		out.Body = last.Body
		out.TargetURL = last.TargetURL
		out.Attempts = last.Attempts
		out.Elapsed = last.Elapsed
	}
	out.setErr(err)
	return out
}

func (f *Forwarder) record(ctx context.Context, req *store.CapturedRequest, out *Outcome) {
	now := time.Now().UTC()
	req.Status = out.Status()
	req.Forwarded = out.Forwarded()
	req.Error = out.Error
	if out.Forwarded() {
		req.RuleID = out.RuleID
		req.TargetURL = out.TargetURL
		req.StatusCode = out.StatusCode
		req.ElapsedMs = out.ChainElapsed.Milliseconds()
		req.ResponseBody = string(out.Body)
		req.ResponseHeaders = out.Headers
		req.ForwardedAt = &now
	}

	// Detach from caller cancellation so a disconnect still records the result.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := f.store.UpdateRequest(ctx, req); err != nil {
		logging.Error("failed to record forward result",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
}

func queryOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.RawQuery
}
