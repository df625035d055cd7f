package forward

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/circuitbreaker"
	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/retry"
	"github.com/wudi/relay/internal/rule"
	"github.com/wudi/relay/internal/tracing"
)

const defaultMaxBodySize = 10 << 20

type legResponse struct {
	statusCode int
	headers    map[string]string
	body       []byte
	oversized  bool
}

// BreakerSet is the per-host breaker set a Dispatcher uses.
type BreakerSet = circuitbreaker.Set[*legResponse]

// Dispatcher executes one leg: a single outbound call with a per-attempt
// timeout and the rule's bounded retry policy.
type Dispatcher struct {
	client         *http.Client
	defaultTimeout time.Duration
	maxBodySize    int64
	breakers       *BreakerSet
	tracer         *tracing.Tracer
	metrics        *metrics.Collector
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxBodySize caps the response body a leg accepts. A larger body fails
// the leg with a transport error.
func WithMaxBodySize(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBodySize = n
		}
	}
}

// WithTracer emits a client span per leg and propagates trace context.
func WithTracer(t *tracing.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithMetrics records leg and retry metrics.
func WithMetrics(m *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithCircuitBreakers guards each target host with its own breaker.
func WithCircuitBreakers(s *BreakerSet) DispatcherOption {
	return func(d *Dispatcher) { d.breakers = s }
}

// NewBreakerSet builds the per-host breaker set used by WithCircuitBreakers.
func NewBreakerSet(cfg config.CircuitBreakerConfig, m *metrics.Collector) (*BreakerSet, error) {
	return circuitbreaker.NewSet[*legResponse](cfg, m.SetCircuitBreakerState)
}

// NewDispatcher creates a dispatcher. client should not set a Timeout; the
// per-attempt timeout comes from each rule, falling back to defaultTimeout.
func NewDispatcher(client *http.Client, defaultTimeout time.Duration, opts ...DispatcherOption) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	d := &Dispatcher{
		client:         client,
		defaultTimeout: defaultTimeout,
		maxBodySize:    defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends req to req.URL under r's timeout and retry policy. Any
// completed HTTP exchange is a success regardless of status code. A timeout
// ends the leg immediately; other transport errors are retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, r *rule.ForwardRule) *Outcome {
	start := time.Now()
	ctx, span := d.tracer.StartLeg(ctx, r.ID, req.Method, req.URL, req.Depth)

	policy := retry.ForRule(r, d.defaultTimeout)
	var resp *legResponse
	attempts, err := policy.Execute(ctx, func(ctx context.Context, attempt int) error {
		res, err := d.do(ctx, req)
		if err != nil {
			return err
		}
		resp = res
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		logging.Warn("forward attempt failed, retrying",
			zap.String("rule_id", r.ID),
			zap.String("target", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		d.metrics.RecordRetry(r.ID)
	})

	out := &Outcome{
		RuleID:    r.ID,
		TargetURL: req.URL,
		Attempts:  attempts,
	}
	label := "success"
	if err != nil {
		if !stderrors.Is(err, errors.ErrTimeout) {
			err = errors.Wrap(errors.ErrTransport, err)
			label = "failed"
		} else {
			label = "timeout"
		}
		out.setErr(err)
		logging.Warn("forward leg failed",
			zap.String("rule_id", r.ID),
			zap.String("target", req.URL),
			zap.Int("attempts", attempts),
			zap.Int("depth", req.Depth),
			zap.Error(err),
		)
	} else {
		out.Success = true
		out.StatusCode = resp.statusCode
		out.Headers = resp.headers
		out.Body = resp.body
	}
	out.Elapsed = time.Since(start)

	tracing.EndLeg(span, out.StatusCode, attempts, out.Err)
	d.metrics.RecordLeg(r.ID, label, out.StatusCode, out.Elapsed)
	return out
}

func (d *Dispatcher) do(ctx context.Context, req Request) (*legResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	for k, v := range req.Headers {
		httpReq.Header[k] = []string{v}
	}
	d.tracer.Inject(ctx, httpReq.Header)

	call := func() (*legResponse, error) {
		resp, err := d.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBodySize+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > d.maxBodySize {
			return &legResponse{statusCode: resp.StatusCode, oversized: true}, nil
		}
		headers := make(map[string]string, len(resp.Header))
		for k, vs := range resp.Header {
			headers[k] = strings.Join(vs, ", ")
		}
		return &legResponse{statusCode: resp.StatusCode, headers: headers, body: body}, nil
	}

	var res *legResponse
	if d.breakers == nil {
		res, err = call()
	} else {
		res, err = d.breakers.Execute(httpReq.URL.Host, call)
		if circuitbreaker.IsOpen(err) {
			return nil, retry.Permanent(err)
		}
	}
	if err == nil && res.oversized {
		// Counted as a success by the breaker, but the leg fails.
		return nil, retry.Permanent(fmt.Errorf("response body exceeds %d bytes", d.maxBodySize))
	}
	return res, err
}
