package events

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("events: bus closed")

// Handler reacts to an event. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

// Next continues a middleware chain.
type Next func(ctx context.Context, ev Event) error

// Middleware wraps every publish. It must call next to let the event reach
// handlers; returning without calling next drops the event.
type Middleware func(ctx context.Context, ev Event, next Next) error

// Subscription identifies a registered handler.
type Subscription struct {
	id   uint64
	kind Kind
}

// Kind is the kind the subscription was registered for.
func (s Subscription) Kind() Kind { return s.kind }

type workerKey struct{}

type subscriber struct {
	id       uint64
	kind     Kind
	handler  Handler
	priority int
	async    bool
}

// Bus is an in-process publish/subscribe dispatcher.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Kind][]*subscriber
	middleware []Middleware
	seq        uint64
	closed     bool

	pool   *pool
	logger *log.Logger
	tracer trace.Tracer
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for swallowed handler failures.
func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithWorkers bounds how many async handlers run at once.
func WithWorkers(n int) Option {
	return func(b *Bus) { b.pool = newPool(n) }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) {
		if t != nil {
			b.tracer = t
		}
	}
}

// NewBus creates a bus with a worker pool of 8 unless configured otherwise.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Kind][]*subscriber),
		pool:   newPool(8),
		logger: log.New(os.Stderr, "[events] ", log.LstdFlags),
		tracer: otel.Tracer("github.com/tatianab/worldcore/internal/events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler that runs inline with the publisher.
// Higher priorities run first; equal priorities run in registration order.
func (b *Bus) Subscribe(kind Kind, h Handler, priority int) Subscription {
	return b.add(kind, h, priority, false)
}

// SubscribeAsync registers a handler that runs on the worker pool.
func (b *Bus) SubscribeAsync(kind Kind, h Handler, priority int) Subscription {
	return b.add(kind, h, priority, true)
}

func (b *Bus) add(kind Kind, h Handler, priority int, async bool) Subscription {
	if h == nil {
		panic("events: nil handler")
	}
	if !kind.Known() {
		b.logger.Printf("subscribing to unknown kind %q; it will never fire", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	s := &subscriber{id: b.seq, kind: kind, handler: h, priority: priority, async: async}
	b.subs[kind] = append(b.subs[kind], s)
	return Subscription{id: s.id, kind: kind}
}

// Unsubscribe removes sub from kind. It reports false if no such
// subscription exists.
func (b *Bus) Unsubscribe(kind Kind, sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[kind]
	i := slices.IndexFunc(list, func(s *subscriber) bool { return s.id == sub.id })
	if i < 0 {
		return false
	}
	b.subs[kind] = slices.Delete(list, i, i+1)
	if len(b.subs[kind]) == 0 {
		delete(b.subs, kind)
	}
	return true
}

// Use appends middleware. Middleware runs in the order it was added.
func (b *Bus) Use(mw ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw...)
}

// Publish delivers ev and returns once every matching handler, sync and
// async, has finished. Only middleware errors are returned.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	return b.publish(ctx, ev, true)
}

// PublishAsync delivers ev to sync handlers inline and schedules async
// handlers without waiting for them.
func (b *Bus) PublishAsync(ctx context.Context, ev Event) error {
	return b.publish(ctx, ev, false)
}

func (b *Bus) publish(ctx context.Context, ev Event, wait bool) error {
	if ev == nil {
		return errors.New("events: nil event")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	chain := slices.Clone(b.middleware)
	b.mu.RUnlock()

	ctx, span := b.tracer.Start(ctx, "events.publish",
		trace.WithAttributes(attribute.String("event.kind", string(ev.Kind()))))
	defer span.End()

	final := func(ctx context.Context, ev Event) error {
		b.dispatch(ctx, ev, wait, span)
		return nil
	}

	if err := runChain(ctx, ev, chain, final); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}
	return nil
}

func runChain(ctx context.Context, ev Event, chain []Middleware, final Next) error {
	if len(chain) == 0 {
		return final(ctx, ev)
	}
	return chain[0](ctx, ev, func(ctx context.Context, ev Event) error {
		return runChain(ctx, ev, chain[1:], final)
	})
}

// matching returns every subscriber of ev's kind or any of its supertypes in
// dispatch order.
func (b *Bus) matching(kind Kind) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*subscriber
	for _, k := range kind.Lineage() {
		out = append(out, b.subs[k]...)
	}
	slices.SortFunc(out, func(x, y *subscriber) int {
		if x.priority != y.priority {
			return cmp.Compare(y.priority, x.priority)
		}
		return cmp.Compare(x.id, y.id)
	})
	return out
}

func (b *Bus) dispatch(ctx context.Context, ev Event, wait bool, span trace.Span) {
	subs := b.matching(ev.Kind())
	span.SetAttributes(attribute.Int("event.handlers", len(subs)))

	var done *sync.WaitGroup
	if wait {
		done = &sync.WaitGroup{}
	}
	asyncCtx := ctx
	if !wait {
		asyncCtx = context.WithoutCancel(ctx)
	}
	asyncCtx = context.WithValue(asyncCtx, workerKey{}, true)
	// A blocking publish from inside a worker runs its async handlers inline
	// so a saturated pool cannot wait on itself.
	nested := wait && ctx.Value(workerKey{}) != nil

	for _, s := range subs {
		if !s.async || nested {
			b.call(ctx, s, ev, span)
			continue
		}
		b.pool.Go(func() { b.call(asyncCtx, s, ev, span) }, done)
	}

	if done != nil {
		done.Wait()
	}
}

func (b *Bus) call(ctx context.Context, s *subscriber, ev Event, span trace.Span) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			b.logger.Printf("handler %d for %s: %v", s.id, ev.Kind(), err)
			span.RecordError(err)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.logger.Printf("handler %d for %s failed: %v", s.id, ev.Kind(), err)
		span.RecordError(err)
	}
}

// Drain waits for every scheduled async handler to finish.
func (b *Bus) Drain() {
	b.pool.Wait()
}

// Close rejects further publishes and waits for outstanding handlers.
// It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Drain()
}
