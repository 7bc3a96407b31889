package guest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/textcal/textcal/internal/model"
	"github.com/textcal/textcal/internal/storage"
)

// Limit is the hard cap of live guest sessions per device.
const Limit = 3

const sessionsKey = "textcal.guest.sessions"

var ErrLimitReached = errors.New("guest session limit reached")

// Manager tracks anonymous session identity and the usage quota before
// sign-in. The count only grows until Clear, which runs exactly once after
// a successful migration into an account.
type Manager struct {
	mu    sync.Mutex
	store storage.Adapter
}

func NewManager(store storage.Adapter) *Manager {
	if store == nil {
		store = storage.NewMemoryAdapter()
	}
	return &Manager{store: store}
}

// AddSession records a guest session capability token. Adding past the
// limit fails; callers gate creation with ReachedLimit first.
func (m *Manager) AddSession(id, accessToken string) error {
	id = strings.TrimSpace(id)
	accessToken = strings.TrimSpace(accessToken)
	if id == "" || accessToken == "" {
		return storage.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.loadLocked()
	if err != nil {
		return err
	}
	if len(sessions) >= Limit {
		return ErrLimitReached
	}
	for _, existing := range sessions {
		if existing.ID == id {
			return nil
		}
	}
	sessions = append(sessions, model.GuestSession{
		ID:          id,
		AccessToken: accessToken,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	return m.saveLocked(sessions)
}

// AccessToken returns the capability token for a guest session, or "".
// Reads are never gated by the limit.
func (m *Manager) AccessToken(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.loadLocked()
	if err != nil {
		return ""
	}
	for _, session := range sessions {
		if session.ID == id {
			return session.AccessToken
		}
	}
	return ""
}

// ReachedLimit reports whether new guest session creation must be refused.
func (m *Manager) ReachedLimit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.loadLocked()
	if err != nil {
		return false
	}
	return len(sessions) >= Limit
}

// SessionIDs lists guest session ids in insertion order.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.loadLocked()
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	return ids
}

// Clear destroys all guest sessions at once. Only called after the backend
// confirms migration; on migration failure the tokens stay usable.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(sessionsKey)
}

func (m *Manager) loadLocked() ([]model.GuestSession, error) {
	raw, err := m.store.Get(sessionsKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load guest sessions: %w", err)
	}
	var sessions []model.GuestSession
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		return nil, fmt.Errorf("decode guest sessions: %w", err)
	}
	return sessions, nil
}

func (m *Manager) saveLocked(sessions []model.GuestSession) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	if err := m.store.Set(sessionsKey, string(data)); err != nil {
		return fmt.Errorf("save guest sessions: %w", err)
	}
	return nil
}
