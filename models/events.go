package models

import "sync"

// Event is a change notification. Listeners type-switch on the concrete
// event types below.
type Event interface {
	isEvent()
}

// StatusChangedEvent reports a new stored or derived delivery status.
type StatusChangedEvent struct {
	Message *Message
	Status  Status
}

// TransmissionUpdatedEvent reports a recipient leg confirmed as received.
type TransmissionUpdatedEvent struct {
	Message      *Message
	Transmission Transmission
}

// UploadUpdatedEvent reports a completed attachment upload.
type UploadUpdatedEvent struct {
	Message    *Message
	Attachment Attachment
}

// MessageAddedEvent reports a message added to a conversation.
type MessageAddedEvent struct {
	ChatID  int64
	Message *Message
}

func (StatusChangedEvent) isEvent()       {}
func (TransmissionUpdatedEvent) isEvent() {}
func (UploadUpdatedEvent) isEvent()       {}
func (MessageAddedEvent) isEvent()        {}

// Listener receives events synchronously on the mutating goroutine.
type Listener func(Event)

// Notifier fans events out to registered listeners. The zero value is ready
// to use.
type Notifier struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
}

// Subscribe registers l and returns a function removing it again.
func (n *Notifier) Subscribe(l Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]Listener)
	}
	id := n.next
	n.next++
	n.listeners[id] = l
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

// Emit delivers e to every listener. Listeners run without the registry lock
// held, so they may subscribe or unsubscribe.
func (n *Notifier) Emit(e Event) {
	n.mu.RLock()
	ls := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		ls = append(ls, l)
	}
	n.mu.RUnlock()

	for _, l := range ls {
		l(e)
	}
}
