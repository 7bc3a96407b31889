package notify

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Notification is ephemeral user-facing feedback. It is queued, never
// persisted.
type Notification struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Listener observes presentation changes. current is nil when nothing is
// visible; pending counts queued notifications behind the current one.
type Listener func(current *Notification, pending int)

// Queue serializes feedback from concurrent async producers into a single
// visible notification at a time. Nothing is dropped; Dismiss advances to
// the next queued item.
type Queue struct {
	mu        sync.Mutex
	current   *Notification
	backlog   []Notification
	listeners map[int]Listener
	nextSub   int
}

func NewQueue() *Queue {
	return &Queue{listeners: map[int]Listener{}}
}

// Raise enqueues a notification. It becomes visible immediately when
// nothing else is showing.
func (q *Queue) Raise(kind Kind, message string) Notification {
	n := Notification{
		ID:      uuid.NewString(),
		Kind:    normalizeKind(kind),
		Message: strings.TrimSpace(message),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		shown := n
		q.current = &shown
	} else {
		q.backlog = append(q.backlog, n)
	}
	q.notifyLocked()
	return n
}

// Current returns the visible notification, if any.
func (q *Queue) Current() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Notification{}, false
	}
	return *q.current, true
}

// Pending returns the number of queued notifications not yet visible.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Dismiss removes the visible notification and promotes the next queued
// one, if any. Returns the newly visible notification.
func (q *Queue) Dismiss() (Notification, bool) {
	q.mu.Lock()
	if q.current == nil {
		q.mu.Unlock()
		return Notification{}, false
	}
	if len(q.backlog) == 0 {
		q.current = nil
		q.notifyLocked()
		q.mu.Unlock()
		return Notification{}, false
	}
	next := q.backlog[0]
	q.backlog = append([]Notification(nil), q.backlog[1:]...)
	q.current = &next
	q.notifyLocked()
	q.mu.Unlock()
	return next, true
}

// Subscribe registers a listener and returns its cancel function. The
// listener is invoked with the current state immediately.
func (q *Queue) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.listeners[id] = listener
	current := q.currentCopyLocked()
	pending := len(q.backlog)
	q.mu.Unlock()
	listener(current, pending)
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// notifyLocked dispatches to listeners while holding the lock; listeners
// must not call back into the queue synchronously.
func (q *Queue) notifyLocked() {
	current := q.currentCopyLocked()
	pending := len(q.backlog)
	for _, listener := range q.listeners {
		listener(current, pending)
	}
}

func (q *Queue) currentCopyLocked() *Notification {
	if q.current == nil {
		return nil
	}
	shown := *q.current
	return &shown
}

func normalizeKind(kind Kind) Kind {
	switch kind {
	case KindSuccess, KindWarning, KindError, KindInfo:
		return kind
	default:
		return KindInfo
	}
}
