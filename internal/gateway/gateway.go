package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/forward"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/middleware"
	"github.com/wudi/relay/internal/notify"
	"github.com/wudi/relay/internal/store"
	"github.com/wudi/relay/internal/tracing"
	"github.com/wudi/relay/internal/trafficreplay"
)

// standardMethods lists the methods the ingress accepts under the mount prefix.
var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// notifyTimeout bounds one fire-and-forget notification.
const notifyTimeout = 10 * time.Second

// Gateway ties the ingress surface and the admin API to the forwarding core.
type Gateway struct {
	config    *config.Config
	store     store.Store
	forwarder *forward.Forwarder
	replays   *trafficreplay.Service
	notifier  notify.Notifier
	webhook   *notify.Webhook
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	breakers  *forward.BreakerSet
	client    *http.Client
	startTime time.Time

	mu     sync.Mutex
	seeded map[string]bool // IDs of rules that came from the config file
	active *config.Config  // last applied config, served redacted

	notifications sync.WaitGroup
}

// Option configures optional collaborators of a Gateway.
type Option func(*Gateway)

// WithNotifier sets the channel that announces new records.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

// WithWebhook exposes the webhook queue on the admin API and keeps its
// endpoints in sync with reloads.
func WithWebhook(w *notify.Webhook) Option {
	return func(g *Gateway) { g.webhook = w }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer sets the tracer used for inbound and outbound spans.
func WithTracer(t *tracing.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithHTTPClient sets the client used to call targets.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// New creates a gateway over st and seeds the rules declared in cfg.
func New(cfg *config.Config, st store.Store, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config:    cfg,
		store:     st,
		notifier:  notify.Nop{},
		startTime: time.Now(),
		seeded:    make(map[string]bool),
		active:    cfg,
	}
	for _, opt := range opts {
		opt(g)
	}

	dispatcherOpts := []forward.DispatcherOption{
		forward.WithMaxBodySize(cfg.Forward.MaxBodySize),
		forward.WithTracer(g.tracer),
		forward.WithMetrics(g.metrics),
	}
	if cfg.Forward.CircuitBreaker.Enabled {
		breakers, err := forward.NewBreakerSet(cfg.Forward.CircuitBreaker, g.metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create circuit breakers: %w", err)
		}
		g.breakers = breakers
		dispatcherOpts = append(dispatcherOpts, forward.WithCircuitBreakers(breakers))
	}

	dispatcher := forward.NewDispatcher(g.client, cfg.Forward.DefaultTimeout, dispatcherOpts...)
	g.forwarder = forward.NewForwarder(st, dispatcher, forward.Options{
		MountPrefix:   cfg.Forward.MountPrefix,
		MaxChainDepth: cfg.Forward.MaxChainDepth,
		ChainDeadline: cfg.Forward.ChainDeadline,
		Metrics:       g.metrics,
	})
	g.replays = trafficreplay.NewService(g.forwarder, st, cfg.Replay, g.metrics)

	if err := g.SeedRules(context.Background(), cfg.Rules); err != nil {
		return nil, fmt.Errorf("failed to seed rules: %w", err)
	}
	return g, nil
}

// Handler returns the HTTP handler serving the ingress, admin and metrics
// endpoints.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = false

	for _, method := range standardMethods {
		router.Handle(method, g.config.Forward.MountPrefix+"/*path", g.handleIngress)
	}

	router.HandlerFunc(http.MethodGet, "/health", g.handleHealth)
	if g.config.Admin.Enabled {
		g.registerAdmin(router, g.config.Admin.Prefix)
	}
	if g.config.Admin.Metrics.Enabled && g.metrics != nil {
		router.Handler(http.MethodGet, g.config.Admin.Metrics.Path, g.metrics.Handler())
	}

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog("/health", g.config.Admin.Metrics.Path),
		g.tracer.Middleware,
	)
	return chain.Then(router)
}

// Forwarder returns the forwarding core.
func (g *Gateway) Forwarder() *forward.Forwarder {
	return g.forwarder
}

// Store returns the backing store.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Close waits for in-flight notifications and closes the store.
func (g *Gateway) Close() error {
	g.notifications.Wait()
	if err := g.store.Close(); err != nil {
		logging.Error("Store close error", zap.Error(err))
		return err
	}
	return nil
}
