// Package bus implements the typed publish/subscribe dispatcher that
// fans inbound push messages out to handlers by message kind.
//
// Dispatch is synchronous in the publisher's goroutine, so messages are
// delivered to every handler strictly in arrival order. Each Subscribe
// returns a cancel func; calling it is the only way to detach a handler,
// so add/remove bookkeeping cannot get mismatched.
package bus

import (
	"log/slog"
	"sync"

	"github.com/quantpaper/tradesync/internal/model"
)

// Handler receives messages of the kind it subscribed to.
type Handler func(model.Envelope)

// Stats contains dispatcher counters.
type Stats struct {
	Published  int64 // messages handed to Publish
	Dispatched int64 // handler invocations
	Unhandled  int64 // messages with no registered handler
}

// Bus dispatches envelopes to handlers registered per message kind.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[model.MessageKind]map[int64]Handler
	nextID   int64

	published  int64
	dispatched int64
	unhandled  int64
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[model.MessageKind]map[int64]Handler),
	}
}

// Subscribe registers h for messages of the given kind and returns a
// cancel func that detaches it. Cancelling twice is a no-op.
func (b *Bus) Subscribe(kind model.MessageKind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	set, ok := b.handlers[kind]
	if !ok {
		set = make(map[int64]Handler)
		b.handlers[kind] = set
	}
	set[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.handlers[kind]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.handlers, kind)
				}
			}
		})
	}
}

// Publish delivers env to every handler registered for its kind,
// synchronously. Messages nobody handles are logged and dropped; they
// never fail and never block subsequent messages.
func (b *Bus) Publish(env model.Envelope) {
	b.mu.RLock()
	set := b.handlers[env.Type]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.published++
	if len(hs) == 0 {
		b.unhandled++
	} else {
		b.dispatched += int64(len(hs))
	}
	b.mu.Unlock()

	if len(hs) == 0 {
		b.logger.Debug("no handler for message kind", "kind", env.Type)
		return
	}

	for _, h := range hs {
		h(env)
	}
}

// Stats returns current dispatcher counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Published:  b.published,
		Dispatched: b.dispatched,
		Unhandled:  b.unhandled,
	}
}
