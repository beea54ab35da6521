// Package eventbus is the process-wide publish/subscribe register the mesh
// components use to notify each other and the UI layers.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Name string

const (
	PeerConnected    Name = "peerConnected"
	PeerDisconnected Name = "peerDisconnected"
	StateChanged     Name = "stateChanged"
	PeerMessage      Name = "peerMessage"
	CallClosed       Name = "callClosed"
	Notification     Name = "notification"
)

// Handler receives the payload by reference and must not mutate it.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches synchronously, in subscription order, on the publisher's
// goroutine. The lock only guards the subscriber lists; handlers run
// without it so they may subscribe, unsubscribe or publish themselves.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Name][]subscription
	nextID uint64
}

func New() *Bus {
	return &Bus{subs: make(map[Name][]subscription)}
}

// Subscribe registers h for name and returns its unsubscribe func.
// Calling the returned func more than once is a no-op.
func (b *Bus) Subscribe(name Name, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(name, id) })
	}
}

func (b *Bus) unsubscribe(name Name, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			// copy so that in-flight Publish snapshots stay intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, name)
			} else {
				b.subs[name] = next
			}
			return
		}
	}
}

// Publish invokes every handler currently registered for name. A handler
// that panics is logged and skipped; the remaining handlers still run.
func (b *Bus) Publish(name Name, payload any) {
	b.mu.RLock()
	snapshot := b.subs[name]
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.dispatch(name, s, payload)
	}
}

func (b *Bus) dispatch(name Name, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("module", "eventbus").
				Str("event", string(name)).
				Interface("panic", r).
				Msg("handler failed")
		}
	}()
	s.handler(payload)
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
