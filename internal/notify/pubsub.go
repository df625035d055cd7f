package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"

	"github.com/wudi/relay/internal/config"
)

// PubSub publishes events to a gocloud.dev topic ("mem://", "rabbit://").
type PubSub struct {
	url   string
	topic *pubsub.Topic
}

// OpenPubSub opens the topic at topicURL.
func OpenPubSub(ctx context.Context, topicURL string) (*PubSub, error) {
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: open topic %s: %w", topicURL, err)
	}
	return &PubSub{url: topicURL, topic: topic}, nil
}

func (p *PubSub) NotifyNewRecord(ctx context.Context, id string) error {
	body, err := json.Marshal(NewEvent(RecordCreated, id, nil))
	if err != nil {
		return err
	}
	return p.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"event":     string(RecordCreated),
			"record_id": id,
		},
	})
}

// Close flushes and shuts down the topic.
func (p *PubSub) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.topic.Shutdown(ctx)
}

// AMQP publishes events straight to a RabbitMQ exchange.
type AMQP struct {
	cfg  config.AMQPConfig
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewAMQP connects to the broker in cfg.URL.
func NewAMQP(cfg config.AMQPConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: connect failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: channel failed: %w", err)
	}
	return &AMQP{cfg: cfg, conn: conn, ch: ch}, nil
}

func (a *AMQP) NotifyNewRecord(ctx context.Context, id string) error {
	body, err := json.Marshal(NewEvent(RecordCreated, id, nil))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return a.ch.PublishWithContext(ctx, a.cfg.Exchange, a.cfg.RoutingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Type:        string(RecordCreated),
		MessageId:   id,
		Timestamp:   time.Now(),
		Body:        body,
	})
}

// Close closes the channel and the connection.
func (a *AMQP) Close() error {
	a.ch.Close()
	return a.conn.Close()
}
