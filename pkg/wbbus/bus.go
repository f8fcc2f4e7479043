// Package wbbus is an in-process fan-out of text payloads to callbacks
// registered under a topic name. It has no network involvement.
package wbbus

import (
	"sync"
)

// Callback receives one payload
type Callback func(payload string)

// PanicHandler is told about a callback that panicked during Emit
type PanicHandler func(name string, recovered interface{})

// Bus maps topic names to ordered callback lists.
type Bus struct {
	// OnPanic, if set, is called for every callback panic recovered by Emit
	OnPanic PanicHandler

	lock   sync.Mutex
	nextID uint64
	topics map[string][]*Subscription
}

// Subscription is the handle returned by Subscribe. Releasing it removes the
// callback.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
	cb   Callback
}

// New creates an empty Bus
func New() *Bus {
	return &Bus{
		topics: make(map[string][]*Subscription),
	}
}

// Subscribe appends cb to the callbacks for name. The same callback may be
// registered more than once; each registration is called.
func (b *Bus) Subscribe(name string, cb Callback) *Subscription {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	s := &Subscription{bus: b, name: name, id: b.nextID, cb: cb}
	b.topics[name] = append(b.topics[name], s)
	return s
}

// Name returns the topic the subscription is registered under
func (s *Subscription) Name() string {
	return s.name
}

// Release removes the callback from the bus. It is safe to call more than once
// and from within a callback.
func (s *Subscription) Release() {
	b := s.bus
	b.lock.Lock()
	defer b.lock.Unlock()
	subs := b.topics[s.name]
	for i, x := range subs {
		if x.id == s.id {
			// copy so that an Emit iterating the old slice is not disturbed
			newSubs := make([]*Subscription, 0, len(subs)-1)
			newSubs = append(newSubs, subs[:i]...)
			newSubs = append(newSubs, subs[i+1:]...)
			if len(newSubs) == 0 {
				delete(b.topics, s.name)
			} else {
				b.topics[s.name] = newSubs
			}
			return
		}
	}
}

// Emit calls every callback registered for name, in registration order, on
// the calling goroutine. A panicking callback does not stop the rest. Emit
// returns the number of callbacks invoked.
func (b *Bus) Emit(name string, payload string) int {
	b.lock.Lock()
	subs := b.topics[name]
	b.lock.Unlock()
	for _, s := range subs {
		b.call(s, payload)
	}
	return len(subs)
}

func (b *Bus) call(s *Subscription, payload string) {
	defer func() {
		if r := recover(); r != nil && b.OnPanic != nil {
			b.OnPanic(s.name, r)
		}
	}()
	s.cb(payload)
}

// Len returns the number of callbacks registered for name
func (b *Bus) Len(name string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.topics[name])
}

// Names returns every topic that has at least one callback
func (b *Bus) Names() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}
