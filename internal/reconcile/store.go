package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/textcal/textcal/internal/model"
	"github.com/textcal/textcal/internal/storage"
)

// Store holds one session's event list. Every update replaces slices and
// structs wholesale so readers never observe a partial write; mutating a
// returned event has no effect until it is committed back.
type Store struct {
	mu          sync.Mutex
	sessionID   string
	events      []model.CalendarEvent
	conflicts   map[string][]model.ConflictInfo
	subscribers map[int]func([]model.CalendarEvent)
	nextSubID   int
}

func NewStore(sessionID string) *Store {
	return &Store{
		sessionID: strings.TrimSpace(sessionID),
		conflicts: map[string][]model.ConflictInfo{},
	}
}

// SessionID returns the session this store belongs to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Events returns a deep copy of the current event list.
func (s *Store) Events() []model.CalendarEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneEventsLocked()
}

// Get returns a copy of the event with the given id.
func (s *Store) Get(eventID string) (model.CalendarEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.ID == eventID {
			return event.Clone(), true
		}
	}
	return model.CalendarEvent{}, false
}

// Replace swaps the whole event list in one update.
func (s *Store) Replace(events []model.CalendarEvent) {
	s.mu.Lock()
	next := make([]model.CalendarEvent, 0, len(events))
	for _, event := range events {
		next = append(next, event.Clone())
	}
	s.events = next
	s.notifyLocked()
	s.mu.Unlock()
}

// Upsert replaces the event with a matching id, or appends when the id is
// new. Events without an id are always appended as drafts.
func (s *Store) Upsert(event model.CalendarEvent) {
	s.mu.Lock()
	replaced := false
	if event.Persisted() {
		for i := range s.events {
			if s.events[i].ID == event.ID {
				next := append([]model.CalendarEvent(nil), s.events...)
				next[i] = event.Clone()
				s.events = next
				replaced = true
				break
			}
		}
	}
	if !replaced {
		s.events = append(append([]model.CalendarEvent(nil), s.events...), event.Clone())
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// Remove drops the event with the given id. Removing an unknown id is a
// no-op.
func (s *Store) Remove(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			next := make([]model.CalendarEvent, 0, len(s.events)-1)
			next = append(next, s.events[:i]...)
			next = append(next, s.events[i+1:]...)
			s.events = next
			s.notifyLocked()
			return true
		}
	}
	return false
}

// Version returns the current version of the event, or 0 when absent.
func (s *Store) Version(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.ID == eventID {
			return event.Version
		}
	}
	return 0
}

// SetConflicts replaces the advisory conflict annotations. Conflicts are
// kept beside the events, never written into them.
func (s *Store) SetConflicts(conflicts map[string][]model.ConflictInfo) {
	next := make(map[string][]model.ConflictInfo, len(conflicts))
	for key, infos := range conflicts {
		next[key] = append([]model.ConflictInfo(nil), infos...)
	}
	s.mu.Lock()
	s.conflicts = next
	s.mu.Unlock()
}

// Conflicts returns the annotations recorded for one event id.
func (s *Store) Conflicts(eventID string) []model.ConflictInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ConflictInfo(nil), s.conflicts[eventID]...)
}

// Subscribe registers a listener called with a snapshot after every event
// list change, and returns its cancel function. Listeners run while the
// store lock is held and must not call back into the store.
func (s *Store) Subscribe(fn func(events []model.CalendarEvent)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	if s.subscribers == nil {
		s.subscribers = map[int]func([]model.CalendarEvent){}
	}
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notifyLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	snapshot := s.cloneEventsLocked()
	for _, fn := range s.subscribers {
		fn(snapshot)
	}
}

func (s *Store) cloneEventsLocked() []model.CalendarEvent {
	out := make([]model.CalendarEvent, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Clone())
	}
	return out
}

type storeSnapshot struct {
	SessionID string                `json:"session_id"`
	Events    []model.CalendarEvent `json:"events"`
}

func (s *Store) snapshotKey() string {
	return "textcal.events." + s.sessionID
}

// Save persists the current event list through the storage adapter so a
// restarted client can resume viewing without refetching.
func (s *Store) Save(adapter storage.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("storage adapter is required")
	}
	if s.sessionID == "" {
		return fmt.Errorf("%w: store has no session id", storage.ErrInvalidInput)
	}
	snapshot := storeSnapshot{SessionID: s.sessionID, Events: s.Events()}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode event snapshot: %w", err)
	}
	if err := adapter.Set(s.snapshotKey(), string(data)); err != nil {
		return fmt.Errorf("save event snapshot: %w", err)
	}
	return nil
}

// Load restores a previously saved event list. A missing snapshot leaves
// the store empty and returns false.
func (s *Store) Load(adapter storage.Adapter) (bool, error) {
	if adapter == nil {
		return false, fmt.Errorf("storage adapter is required")
	}
	if s.sessionID == "" {
		return false, fmt.Errorf("%w: store has no session id", storage.ErrInvalidInput)
	}
	raw, err := adapter.Get(s.snapshotKey())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load event snapshot: %w", err)
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return false, fmt.Errorf("decode event snapshot: %w", err)
	}
	s.Replace(snapshot.Events)
	return true, nil
}
