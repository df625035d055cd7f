package trafficreplay

import (
	"context"
	stderrors "errors"
	"maps"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/forward"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/proxy"
	"github.com/wudi/relay/internal/rule"
	"github.com/wudi/relay/internal/store"
)

// Options overrides parts of the recorded request for one replay.
type Options struct {
	TargetURL string            `json:"target_url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      *string           `json:"body,omitempty"`
	// BodyPatch sets JSON fields by sjson path after Body is applied.
	BodyPatch map[string]any `json:"body_patch,omitempty"`
}

// Service re-sends captured requests through the forwarder and records how
// the new response differs from the original one.
type Service struct {
	forwarder *forward.Forwarder
	store     store.Store
	limiter   *rate.Limiter
	metrics   *metrics.Collector
}

// NewService creates a replay service.
func NewService(f *forward.Forwarder, st store.Store, cfg config.ReplayConfig, m *metrics.Collector) *Service {
	s := &Service{forwarder: f, store: st, metrics: m}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return s
}

// Replay re-sends the captured request id. Requests that were never
// forwarded are rejected with errors.ErrReplaySourceNotForwarded.
func (s *Service) Replay(ctx context.Context, id string, opts Options) (*store.ReplayRecord, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, errors.ErrReplayThrottled
	}

	orig, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !orig.Forwarded {
		return nil, errors.ErrReplaySourceNotForwarded.WithDetails("request " + id)
	}

	r, err := s.ruleFor(ctx, orig)
	if err != nil {
		return nil, err
	}
	if opts.TargetURL != "" {
		r = r.Clone()
		r.TargetURL = opts.TargetURL
		r.PathRewrite = ""
	}

	body, err := applyBody(orig.Body, opts)
	if err != nil {
		return nil, err
	}
	headers := cloneHeaders(orig.Headers)
	for k, v := range opts.Headers {
		proxy.SetHeader(headers, k, v)
	}

	out := s.forwarder.Execute(ctx, r, forward.Request{
		Method:  orig.Method,
		Path:    orig.Path,
		Query:   orig.Query,
		Headers: headers,
		Body:    body,
	})

	now := time.Now().UTC()
	rec := &store.ReplayRecord{
		ID:         uuid.NewString(),
		RequestID:  orig.ID,
		RuleID:     out.RuleID,
		TargetURL:  out.TargetURL,
		Method:     orig.Method,
		StatusCode: out.StatusCode,
		Body:       string(out.Body),
		Headers:    out.Headers,
		ElapsedMs:  out.ChainElapsed.Milliseconds(),
		Error:      out.Error,
		CreatedAt:  now,
	}
	origEncoding, _ := proxy.HeaderValue(orig.ResponseHeaders, "Content-Encoding")
	replayEncoding, _ := proxy.HeaderValue(out.Headers, "Content-Encoding")
	rec.Diff = Compare(
		Sample{StatusCode: orig.StatusCode, Body: []byte(orig.ResponseBody), Encoding: origEncoding, ElapsedMs: orig.ElapsedMs},
		Sample{StatusCode: out.StatusCode, Body: out.Body, Encoding: replayEncoding, ElapsedMs: rec.ElapsedMs},
	)

	if err := s.store.CreateReplay(ctx, rec); err != nil {
		return nil, err
	}
	count, err := s.store.IncrementReplayCount(ctx, orig.ID, now)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReplay(rec.Diff.Empty())
	logging.Info("request replayed",
		zap.String("request_id", orig.ID),
		zap.String("replay_id", rec.ID),
		zap.String("rule_id", rec.RuleID),
		zap.String("target", rec.TargetURL),
		zap.Int("status", rec.StatusCode),
		zap.Bool("matched", rec.Diff.Empty()),
		zap.Int("replay_count", count),
	)
	return rec, nil
}

// ruleFor returns the rule that originally handled req, or a pass-through
// rule to its recorded target when that rule no longer exists.
func (s *Service) ruleFor(ctx context.Context, req *store.CapturedRequest) (*rule.ForwardRule, error) {
	if req.RuleID != "" {
		r, err := s.forwarder.Resolver().Rule(ctx, req.RuleID)
		if err == nil {
			return r, nil
		}
		if !stderrors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
	}

	target := req.TargetURL
	if u, err := url.Parse(target); err == nil {
		u.RawQuery = ""
		target = u.String()
	}
	return &rule.ForwardRule{
		ID:               req.RuleID,
		ProxyPath:        req.Path,
		Method:           req.Method,
		TargetURL:        target,
		ExtractTokenFrom: rule.ExtractNone,
		Enabled:          true,
	}, nil
}

func applyBody(recorded string, opts Options) ([]byte, error) {
	body := recorded
	if opts.Body != nil {
		body = *opts.Body
	}
	for _, path := range slices.Sorted(maps.Keys(opts.BodyPatch)) {
		patched, err := sjson.Set(body, path, opts.BodyPatch[path])
		if err != nil {
			return nil, errors.ErrBadRequest.WithDetails("body_patch " + path + ": " + err.Error())
		}
		body = patched
	}
	return []byte(body), nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
