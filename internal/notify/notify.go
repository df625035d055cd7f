// Package notify announces newly captured records to external channels.
// Delivery is best effort: a failed notification never affects forwarding.
package notify

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
)

// Notifier announces that a captured record exists.
type Notifier interface {
	NotifyNewRecord(ctx context.Context, id string) error
}

// EventType names a notification.
type EventType string

// RecordCreated is sent once per captured inbound request.
const RecordCreated EventType = "record.created"

// Event is the payload every channel publishes.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RecordID  string         `json:"record_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(typ EventType, recordID string, data map[string]any) *Event {
	return &Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		RecordID:  recordID,
		Data:      data,
	}
}

// matchesPattern reports whether eventType matches a glob such as
// "record.*", "*" or "record.{created,replayed}".
func matchesPattern(eventType EventType, pattern string) bool {
	ok, err := doublestar.Match(pattern, string(eventType))
	return err == nil && ok
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifyNewRecord(context.Context, string) error { return nil }

type channel struct {
	name     string
	notifier Notifier
}

// Multi fans a notification out to every registered channel. Failures are
// logged and counted per channel.
type Multi struct {
	channels []channel
	metrics  *metrics.Collector
}

// NewMulti creates an empty fan-out notifier.
func NewMulti(m *metrics.Collector) *Multi {
	return &Multi{metrics: m}
}

// Add registers a channel under name.
func (m *Multi) Add(name string, n Notifier) {
	m.channels = append(m.channels, channel{name: name, notifier: n})
}

// Len returns the number of registered channels.
func (m *Multi) Len() int {
	return len(m.channels)
}

// NotifyNewRecord notifies every channel and returns their joined errors.
func (m *Multi) NotifyNewRecord(ctx context.Context, id string) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.notifier.NotifyNewRecord(ctx, id); err != nil {
			logging.Warn("notification failed",
				zap.String("channel", ch.name),
				zap.String("request_id", id),
				zap.Error(err),
			)
			m.metrics.RecordNotifyFailure(ch.name)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Close closes every channel that holds resources.
func (m *Multi) Close() error {
	var errs []error
	for _, ch := range m.channels {
		if c, ok := ch.notifier.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return stderrors.Join(errs...)
}
