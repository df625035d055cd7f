package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/logging"
)

const historySize = 100

// ErrQueueFull is returned when an event is dropped because the queue is full.
var ErrQueueFull = fmt.Errorf("webhook queue full")

// WebhookStats is the admin view of the webhook queue.
type WebhookStats struct {
	Endpoints    int     `json:"endpoints"`
	QueueSize    int     `json:"queue_size"`
	QueueUsed    int     `json:"queue_used"`
	Emitted      int64   `json:"emitted"`
	Delivered    int64   `json:"delivered"`
	Failed       int64   `json:"failed"`
	Dropped      int64   `json:"dropped"`
	Retries      int64   `json:"retries"`
	RecentEvents []Event `json:"recent_events"`
}

// Webhook delivers events to HTTP endpoints from a bounded queue drained by
// a fixed worker pool. Failed deliveries are retried with exponential backoff.
type Webhook struct {
	queue     chan *Event
	client    *http.Client
	retryCfg  config.WebhookRetryConfig
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	endpoints []config.WebhookEndpoint
	history   []Event

	emitted   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64
}

// NewWebhook creates a webhook notifier and starts its workers.
func NewWebhook(cfg config.WebhooksConfig) *Webhook {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxRetries < 0 {
		retryCfg.MaxRetries = 0
	}
	if retryCfg.Backoff <= 0 {
		retryCfg.Backoff = time.Second
	}
	if retryCfg.MaxBackoff <= 0 {
		retryCfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		endpoints: cfg.Endpoints,
		queue:     make(chan *Event, queueSize),
		client:    &http.Client{Timeout: timeout},
		retryCfg:  retryCfg,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

// NotifyNewRecord queues a record.created event. It never blocks.
func (w *Webhook) NotifyNewRecord(_ context.Context, id string) error {
	return w.Emit(NewEvent(RecordCreated, id, nil))
}

// Emit queues an event, dropping it when the queue is full.
func (w *Webhook) Emit(event *Event) error {
	w.emitted.Add(1)
	select {
	case w.queue <- event:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// UpdateEndpoints replaces the endpoint list, e.g. on config reload.
func (w *Webhook) UpdateEndpoints(eps []config.WebhookEndpoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.endpoints = eps
}

// Close stops the workers and waits for in-flight deliveries to finish.
func (w *Webhook) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

// Stats returns a snapshot of queue state and delivery counters.
func (w *Webhook) Stats() WebhookStats {
	w.mu.RLock()
	endpoints := len(w.endpoints)
	history := make([]Event, len(w.history))
	copy(history, w.history)
	w.mu.RUnlock()

	return WebhookStats{
		Endpoints:    endpoints,
		QueueSize:    w.queueSize,
		QueueUsed:    len(w.queue),
		Emitted:      w.emitted.Load(),
		Delivered:    w.delivered.Load(),
		Failed:       w.failed.Load(),
		Dropped:      w.dropped.Load(),
		Retries:      w.retries.Load(),
		RecentEvents: history,
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event := <-w.queue:
			w.dispatch(event)
		}
	}
}

func (w *Webhook) dispatch(event *Event) {
	w.mu.Lock()
	w.history = append(w.history, *event)
	if len(w.history) > historySize {
		w.history = w.history[len(w.history)-historySize:]
	}
	endpoints := make([]config.WebhookEndpoint, len(w.endpoints))
	copy(endpoints, w.endpoints)
	w.mu.Unlock()

	for _, ep := range endpoints {
		if !subscribed(ep, event.Type) {
			continue
		}
		w.deliverWithRetry(ep, event)
	}
}

func subscribed(ep config.WebhookEndpoint, typ EventType) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, pattern := range ep.Events {
		if matchesPattern(typ, pattern) {
			return true
		}
	}
	return false
}

func (w *Webhook) deliverWithRetry(ep config.WebhookEndpoint, event *Event) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.retryCfg.Backoff
	eb.MaxInterval = w.retryCfg.MaxBackoff
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.retryCfg.MaxRetries)), w.ctx)
	err := backoff.RetryNotify(func() error {
		return w.deliver(ep, event)
	}, b, func(error, time.Duration) {
		w.retries.Add(1)
	})
	if err != nil {
		w.failed.Add(1)
		logging.Warn("webhook delivery failed",
			zap.String("endpoint", ep.ID),
			zap.String("record_id", event.RecordID),
			zap.Error(err),
		)
		return
	}
	w.delivered.Add(1)
}

// deliver sends one signed POST. 4xx responses are not retried.
func (w *Webhook) deliver(ep config.WebhookEndpoint, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Event", string(event.Type))
	req.Header.Set("X-Relay-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set("X-Relay-Signature", "sha256="+signPayload(ep.Secret, payload))
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("client error: status %d", resp.StatusCode))
	}
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
