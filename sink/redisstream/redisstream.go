// Package redisstream appends hook events to a Redis stream. Attach a Sink
// to a hook.Bus with bus.Subscribe(sink); every event becomes one XADD
// entry carrying the JSON encoded event plus its point and entity id as
// separate fields for XRANGE filtering.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/logging"
)

// DefaultStream is used when the config names no stream.
const DefaultStream = "spellbridge:events"

// Client is the part of a Redis client the sink uses. *redis.Client and
// *redis.ClusterClient satisfy it.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Options configures a Sink.
type Options struct {
	Stream string
	// MaxLen approximately trims the stream on each append; 0 disables it.
	MaxLen int64
	Logger logging.Logger
}

// Sink implements hook.Subscriber.
type Sink struct {
	client Client
	closer func() error
	opts   Options
}

var _ hook.Subscriber = (*Sink)(nil)

// New wraps an existing client.
func New(client Client, optFns ...func(o *Options)) *Sink {
	opts := Options{Stream: DefaultStream, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	return &Sink{client: client, opts: opts}
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, cfg config.RedisSinkConfig, optFns ...func(o *Options)) (*Sink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redisstream: address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstream: connect %s: %w", cfg.Address, err)
	}
	fns := append([]func(o *Options){func(o *Options) {
		o.Stream = cfg.Stream
		o.MaxLen = cfg.MaxLen
	}}, optFns...)
	s := New(client, fns...)
	s.closer = client.Close
	return s, nil
}

// HandleEvent appends evt to the stream.
func (s *Sink) HandleEvent(ctx context.Context, evt hook.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redisstream: encode event %s: %w", evt.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: s.opts.Stream,
		Values: map[string]any{
			"id":        evt.ID,
			"point":     evt.Point.String(),
			"entity_id": evt.EntityID,
			"event":     string(body),
		},
	}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.opts.Logger.Warn("sink.redis.xadd_failed", "stream", s.opts.Stream, "event_id", evt.ID, "error", err.Error())
		return fmt.Errorf("redisstream: xadd %s: %w", s.opts.Stream, err)
	}
	return nil
}

// Close releases a connection opened by Open. Sinks built with New leave
// the client to its owner.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
