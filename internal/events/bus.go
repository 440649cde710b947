// Package events is the process-wide publish/subscribe fabric. Subjects are
// user ids; subscribers are gateway connections interested in that user.
package events

import (
	"sync"
)

// Event is one published gateway event: a dispatch type and its payload.
type Event struct {
	Type string
	Data any
}

// HandlerFunc receives fan-out events. Handlers must not block; connections
// enqueue into their own dispatch loop.
type HandlerFunc func(*Event)

// Handle identifies one subscription. Cancellation is handle-based so two
// subscriptions by the same connection to the same subject stay independent.
type Handle struct {
	bus     *Bus
	subject string
	fn      HandlerFunc

	mu        sync.Mutex
	cancelled bool
}

// Cancel removes the subscription. When Cancel returns, no further delivery
// through this handle will run.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()

	h.bus.mu.Lock()
	if set, ok := h.bus.subjects[h.subject]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(h.bus.subjects, h.subject)
		}
	}
	h.bus.mu.Unlock()
}

func (h *Handle) deliver(e *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.fn(e)
}

// Bus maps subject ids to the set of live subscription handles.
type Bus struct {
	mu       sync.RWMutex
	subjects map[string]map[*Handle]struct{}
}

func NewBus() *Bus {
	return &Bus{subjects: make(map[string]map[*Handle]struct{})}
}

// Subscribe registers fn for events published to subject.
func (b *Bus) Subscribe(subject string, fn HandlerFunc) *Handle {
	h := &Handle{bus: b, subject: subject, fn: fn}
	b.mu.Lock()
	set, ok := b.subjects[subject]
	if !ok {
		set = make(map[*Handle]struct{})
		b.subjects[subject] = set
	}
	set[h] = struct{}{}
	b.mu.Unlock()
	return h
}

// Publish fans the event out to every current subscriber of subject. The
// fan-out runs asynchronously relative to the publisher.
func (b *Bus) Publish(subject string, e *Event) {
	b.mu.RLock()
	set := b.subjects[subject]
	handles := make([]*Handle, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	b.mu.RUnlock()

	if len(handles) == 0 {
		return
	}
	go func() {
		for _, h := range handles {
			h.deliver(e)
		}
	}()
}

// SubscriberCount reports the live handle count for a subject.
func (b *Bus) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subjects[subject])
}
