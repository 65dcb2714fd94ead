package hook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/logging"
	"github.com/hupe1980/spellbridge/telemetry"
)

type (
	// Subscriber receives events pushed by a Bus. HandleEvent runs on the
	// subscription's own goroutine; it must not mutate the event and should
	// return quickly, since a slow subscriber only fills its own queue.
	Subscriber interface {
		HandleEvent(ctx context.Context, evt Event) error
	}

	// SubscriberFunc adapts a function to Subscriber.
	SubscriberFunc func(ctx context.Context, evt Event) error

	// BusOptions configures the defaults applied to every subscription.
	BusOptions struct {
		QueueDepth    int
		Overflow      string // config.OverflowDropOldest or config.OverflowDropNewest
		RatePerSecond float64
		Burst         int

		Logger  logging.Logger
		Metrics telemetry.Metrics
	}

	// SubscribeOption customizes one subscription.
	SubscribeOption func(s *subscribeConfig)

	subscribeConfig struct {
		points        []Point
		queueDepth    int
		overflow      string
		ratePerSecond float64
		burst         int
		name          string
	}

	// Bus fans events out to subscribers. Publish is fire-and-forget: each
	// subscriber owns a bounded queue drained by a dedicated goroutine.
	Bus struct {
		opts BusOptions

		mu     sync.RWMutex
		subs   map[uint64]*Subscription
		nextID uint64
		closed bool
		wg     sync.WaitGroup
	}

	// Subscription is a live registration on a Bus.
	Subscription struct {
		id      uint64
		name    string
		bus     *Bus
		sub     Subscriber
		filter  map[Point]struct{}
		queue   *eventQueue
		limiter *rate.Limiter

		ctx       context.Context
		cancel    context.CancelFunc
		once      sync.Once
		dropped   atomic.Uint64
		delivered atomic.Uint64
	}
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("hook: bus closed")

// HandleEvent calls f(ctx, evt).
func (f SubscriberFunc) HandleEvent(ctx context.Context, evt Event) error { return f(ctx, evt) }

// WithPoints restricts the subscription to the given points. Without it the
// subscription receives every point.
func WithPoints(points ...Point) SubscribeOption {
	return func(s *subscribeConfig) { s.points = append(s.points, points...) }
}

// WithQueueDepth overrides the bus queue depth.
func WithQueueDepth(n int) SubscribeOption {
	return func(s *subscribeConfig) { s.queueDepth = n }
}

// WithOverflow overrides the overflow policy.
func WithOverflow(policy string) SubscribeOption {
	return func(s *subscribeConfig) { s.overflow = policy }
}

// WithRateLimit caps the delivery rate using a token bucket.
func WithRateLimit(perSecond float64, burst int) SubscribeOption {
	return func(s *subscribeConfig) {
		s.ratePerSecond = perSecond
		s.burst = burst
	}
}

// WithSubscriberName labels the subscription in logs.
func WithSubscriberName(name string) SubscribeOption {
	return func(s *subscribeConfig) { s.name = name }
}

// NewBus creates a bus.
func NewBus(optFns ...func(o *BusOptions)) *Bus {
	opts := BusOptions{
		QueueDepth: 1024,
		Overflow:   config.OverflowDropOldest,
		Logger:     logging.NoOpLogger{},
		Metrics:    telemetry.NewNoopMetrics(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{opts: opts, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers sub and starts its delivery goroutine.
func (b *Bus) Subscribe(sub Subscriber, opts ...SubscribeOption) (*Subscription, error) {
	if sub == nil {
		return nil, errors.New("hook: nil subscriber")
	}
	cfg := subscribeConfig{
		queueDepth:    b.opts.QueueDepth,
		overflow:      b.opts.Overflow,
		ratePerSecond: b.opts.RatePerSecond,
		burst:         b.opts.Burst,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.overflow != config.OverflowDropOldest && cfg.overflow != config.OverflowDropNewest {
		return nil, errors.New("hook: unknown overflow policy " + cfg.overflow)
	}

	s := &Subscription{
		name:  cfg.name,
		bus:   b,
		sub:   sub,
		queue: newEventQueue(cfg.queueDepth, cfg.overflow == config.OverflowDropOldest),
	}
	if len(cfg.points) > 0 {
		s.filter = make(map[Point]struct{}, len(cfg.points))
		for _, p := range cfg.points {
			s.filter[p] = struct{}{}
		}
	}
	if cfg.ratePerSecond > 0 {
		burst := cfg.burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ratePerSecond), burst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.cancel()
		return nil, ErrBusClosed
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go s.run()
	return s, nil
}

// Publish enqueues evt for every subscriber registered now. It never blocks
// on subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.filter != nil {
			if _, ok := s.filter[evt.Point]; !ok {
				continue
			}
		}
		if s.queue.push(evt) {
			s.dropped.Add(1)
			b.opts.Metrics.IncCounter(telemetry.MetricEventDropped, 1, "point", evt.Point.String())
		}
	}
}

// Close stops every subscription and waits for their goroutines. Events
// still queued are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	b.wg.Wait()
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	for {
		evt, ok := s.queue.pop(s.ctx.Done())
		if !ok {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}
		s.deliver(evt)
	}
}

func (s *Subscription) deliver(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.opts.Logger.Error("event.subscriber.panic", "subscriber", s.name, "point", evt.Point.String(), "panic", r)
		}
	}()
	if err := s.sub.HandleEvent(s.ctx, evt.clone()); err != nil {
		s.bus.opts.Logger.Warn("event.subscriber.error", "subscriber", s.name, "point", evt.Point.String(), "error", err.Error())
		return
	}
	s.delivered.Add(1)
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// Dropped returns how many events were lost to queue overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Delivered returns how many events the subscriber accepted without error.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int { return s.queue.len() }
