// Package events publishes lifecycle events to in-process handlers, the
// configured sinks (stream hub, message bus, audit log) and registered
// webhooks.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/signflow/internal/logging"
	"github.com/rendis/signflow/pkg/schema"
)

// Handler receives events synchronously on the emitting goroutine.
type Handler func(ctx context.Context, event schema.Event)

// Sink is a downstream publisher. Errors are logged and never reach the
// emitter's caller.
type Sink interface {
	Publish(ctx context.Context, event schema.Event) error
}

// Dispatcher hands events to asynchronous delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, event schema.Event)
}

type namedSink struct {
	name string
	sink Sink
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Emitter fans each event out. It never fails and never blocks on webhook
// delivery.
type Emitter struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64

	sinks    []namedSink
	webhooks Dispatcher
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithSink adds a named sink.
func WithSink(name string, s Sink) Option {
	return func(e *Emitter) { e.sinks = append(e.sinks, namedSink{name: name, sink: s}) }
}

// WithWebhooks attaches webhook delivery.
func WithWebhooks(d Dispatcher) Option {
	return func(e *Emitter) { e.webhooks = d }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an Emitter.
func NewEmitter(logger *slog.Logger, opts ...Option) *Emitter {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Emitter{
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string][]handlerEntry),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// On registers h for eventType, or for every event when eventType is "*".
// The returned func unregisters it.
func (e *Emitter) On(eventType string, h Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[eventType] = append(e.handlers[eventType], handlerEntry{id: id, fn: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.handlers[eventType]
		for i, he := range list {
			if he.id == id {
				e.handlers[eventType] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit stamps the event and delivers it: handlers first, then sinks, then
// webhooks. A panicking handler or failing sink is logged and skipped.
func (e *Emitter) Emit(ctx context.Context, event schema.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	log := logging.LogWith(ctx, e.logger)

	e.mu.RLock()
	hs := make([]Handler, 0, len(e.handlers[event.Type])+len(e.handlers[schema.EventWildcard]))
	for _, he := range e.handlers[event.Type] {
		hs = append(hs, he.fn)
	}
	for _, he := range e.handlers[schema.EventWildcard] {
		hs = append(hs, he.fn)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		e.callHandler(ctx, log, h, event)
	}
	for _, s := range e.sinks {
		if err := s.sink.Publish(ctx, event); err != nil {
			log.Warn("event sink failed", "sink", s.name, "event", event.Type, "error", err)
		}
	}
	if e.webhooks != nil {
		e.webhooks.Dispatch(ctx, event)
	}
}

func (e *Emitter) callHandler(ctx context.Context, log *slog.Logger, h Handler, event schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", "event", event.Type, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, event)
}
