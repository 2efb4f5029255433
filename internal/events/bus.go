// Package events delivers named notifications to one registered callback
// and to any number of subscribers on the shared bus.
package events

import (
	"errors"
	"sync"
)

const (
	IDCreated         = "idCreated"
	RemoteSyncApplied = "remoteSyncApplied"
	Ready             = "ready"
	Reloaded          = "reloaded"
	// Updated is raised by collaborators when state may have changed outside
	// this process.
	Updated = "updated"

	// All subscribes to every event name.
	All = "*"
)

var ErrInvalidCallback = errors.New("invalid callback")

type Event struct {
	Name    string
	Payload any
}

type Handler func(Event)

type Logger interface {
	Printf(format string, args ...any)
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

type Bus struct {
	mu       sync.RWMutex
	callback Handler
	subs     []subscription
	nextID   uint64
	logger   Logger
}

func NewBus(logger Logger) *Bus {
	return &Bus{logger: logger}
}

// SetCallback registers the single callback. A nil callback is rejected and
// the previous one stays in place.
func (b *Bus) SetCallback(fn Handler) error {
	if fn == nil {
		b.logf("ignoring callback registration: %v", ErrInvalidCallback)
		return ErrInvalidCallback
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = fn
	return nil
}

// Subscribe adds fn for events called name, or every event for All. The
// returned func removes the subscription.
func (b *Bus) Subscribe(name string, fn Handler) (func(), error) {
	if fn == nil || name == "" {
		b.logf("ignoring subscription to %q: %v", name, ErrInvalidCallback)
		return func() {}, ErrInvalidCallback
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}, nil
}

// Emit delivers synchronously: the callback first, then subscribers in
// registration order. A panicking handler is logged and skipped.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	callback := b.callback
	subs := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.name == name || sub.name == All {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	event := Event{Name: name, Payload: payload}
	if callback != nil {
		b.deliver(callback, event)
	}
	for _, sub := range subs {
		b.deliver(sub.handler, event)
	}
}

func (b *Bus) deliver(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logf("handler for %s panicked: %v", event.Name, r)
		}
	}()
	fn(event)
}

func (b *Bus) logf(format string, args ...any) {
	if b == nil || b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
