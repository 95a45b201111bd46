// Package bus implements a typed, in-process publish/subscribe event bus.
//
// Handlers registered for an event name fire in parallel when the event is
// emitted; a per-handler timeout bounds how long a slow or stuck handler can
// delay Emit, and a panic or error inside a handler is caught and logged —
// neither ever propagates to sibling handlers or to the emitter.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Name enumerates the fixed set of event names the core emits.
type Name string

const (
	MessageInbound  Name = "message:inbound"
	MessageOutbound Name = "message:outbound"
	ContainerStart  Name = "container:start"
	ContainerStop   Name = "container:stop"
	TaskCreated     Name = "task:created"
	TaskCompleted   Name = "task:completed"
	PluginLoaded    Name = "plugin:loaded"
	PluginUnloaded  Name = "plugin:unloaded"
)

// DefaultHandlerTimeout bounds how long a single handler may run before Emit
// gives up on it and moves on.
const DefaultHandlerTimeout = 5 * time.Second

// Handler receives an event payload. The payload's concrete type is
// determined by the event Name it was registered against.
type Handler func(ctx context.Context, payload any) error

// Bus is a typed, in-process pub/sub registry.
type Bus struct {
	mu             sync.RWMutex
	handlers       map[Name]map[int]Handler
	nextID         int
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// New creates an event bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:       make(map[Name]map[int]Handler),
		handlerTimeout: DefaultHandlerTimeout,
		logger:         logger.With("component", "bus"),
	}
}

// SetHandlerTimeout overrides the per-handler timeout used by Emit.
func (b *Bus) SetHandlerTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlerTimeout = d
}

// subscription is returned so callers can Off a specific registration.
type Subscription struct {
	name Name
	id   int
}

// On registers a handler for an event name and returns a Subscription that
// can be passed to Off to remove it.
func (b *Bus) On(name Name, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[name][id] = h
	return Subscription{name: name, id: id}
}

// Off removes a previously registered handler. Removing an already-removed
// or unknown subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.handlers[sub.name]; ok {
		delete(m, sub.id)
	}
}

// ListenerCount reports how many handlers are registered for name.
func (b *Bus) ListenerCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Clear removes every handler for every event name. Intended for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Name]map[int]Handler)
}

// Emit fans the payload out to every handler registered for name, in
// parallel, and waits for all of them to settle or time out. A handler that
// panics, errors, or exceeds the per-handler timeout is logged and otherwise
// ignored; Emit itself never returns an error. Emit with no listeners
// completes immediately.
func (b *Bus) Emit(ctx context.Context, name Name, payload any) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[name]))
	for _, h := range b.handlers[name] {
		hs = append(hs, h)
	}
	timeout := b.handlerTimeout
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(hs))
	for _, h := range hs {
		go func(h Handler) {
			defer wg.Done()
			b.runHandler(ctx, name, timeout, h, payload)
		}(h)
	}
	wg.Wait()
}

func (b *Bus) runHandler(ctx context.Context, name Name, timeout time.Duration, h Handler, payload any) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h(hctx, payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Error("event handler failed", "event", string(name), "error", err)
		}
	case <-hctx.Done():
		b.logger.Warn("event handler timed out", "event", string(name), "timeout", timeout)
	}
}
