// Package rabbitmq publishes hook events to RabbitMQ. Without an exchange
// events go to the configured queue through the default exchange; with one
// they are routed by their point name.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/logging"
)

// DefaultQueue is used when the config names no queue.
const DefaultQueue = "spellbridge.events"

// Publisher is the part of an AMQP channel the sink uses. *amqp.Channel
// satisfies it.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Options configures a Sink.
type Options struct {
	Queue    string
	Exchange string
	// Persistent marks messages with delivery mode 2.
	Persistent bool
	Logger     logging.Logger
}

// Sink implements hook.Subscriber.
type Sink struct {
	pub  Publisher
	conn *amqp.Connection
	ch   *amqp.Channel
	opts Options
}

var _ hook.Subscriber = (*Sink)(nil)

// New wraps an existing channel.
func New(pub Publisher, optFns ...func(o *Options)) *Sink {
	opts := Options{Queue: DefaultQueue, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	return &Sink{pub: pub, opts: opts}
}

// Dial connects, opens a channel and declares the queue.
func Dial(cfg config.RabbitMQSinkConfig, optFns ...func(o *Options)) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq: url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare queue %s: %w", queue, err)
	}

	fns := append([]func(o *Options){func(o *Options) {
		o.Queue = queue
		o.Exchange = cfg.Exchange
		o.Persistent = cfg.Durable
	}}, optFns...)
	s := New(ch, fns...)
	s.conn, s.ch = conn, ch
	return s, nil
}

// HandleEvent publishes evt as a JSON message.
func (s *Sink) HandleEvent(ctx context.Context, evt hook.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("rabbitmq: encode event %s: %w", evt.ID, err)
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   evt.ID,
		Timestamp:   evt.Timestamp,
		Type:        evt.Point.String(),
		Body:        body,
	}
	if s.opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	key := s.opts.Queue
	if s.opts.Exchange != "" {
		key = evt.Point.String()
	}
	if err := s.pub.PublishWithContext(ctx, s.opts.Exchange, key, false, false, msg); err != nil {
		s.opts.Logger.Warn("sink.rabbitmq.publish_failed", "exchange", s.opts.Exchange, "key", key, "event_id", evt.ID, "error", err.Error())
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// Close closes a channel and connection opened by Dial.
func (s *Sink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
