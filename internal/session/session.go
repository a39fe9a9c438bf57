// Package session tracks the working state of each client session.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabletalk/tabletalk/internal/table"
)

var ErrNotFound = errors.New("session not found")

// Session is the per-client state. A session starts empty: no table and
// nothing converted.
type Session struct {
	ID        string
	CreatedAt time.Time
	// Table is the most recently ingested upload, nil until one succeeds.
	Table     *table.Table
	TableName string
	// StoredColumns are the column names as written to the store.
	StoredColumns []string
	Converted     bool
	// LastActive is refreshed by every Get and Update.
	LastActive time.Time
}

func (s Session) clone() Session {
	out := s
	if s.StoredColumns != nil {
		out.StoredColumns = append([]string(nil), s.StoredColumns...)
	}
	return out
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}, now: time.Now}
}

func (m *Manager) Create() Session {
	now := m.now().UTC()
	s := &Session{ID: uuid.NewString(), CreatedAt: now, LastActive: now}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s.clone()
}

func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	s.LastActive = m.now().UTC()
	return s.clone(), nil
}

// Update applies fn to the session under the manager lock. The session is left
// untouched if fn returns an error.
func (m *Manager) Update(id string, fn func(*Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	draft := s.clone()
	if err := fn(&draft); err != nil {
		return s.clone(), err
	}
	draft.ID = s.ID
	draft.CreatedAt = s.CreatedAt
	draft.LastActive = m.now().UTC()
	*s = draft
	return draft.clone(), nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// Has reports whether id is live without counting as activity.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// Idle lists, in id order, the sessions whose last activity is before cutoff.
// DeleteIfIdle removes the session only if it has not been active since
// cutoff, checked under the same lock as the removal.
func (m *Manager) DeleteIfIdle(id string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !s.LastActive.Before(cutoff) {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *Manager) Idle(cutoff time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.LastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
