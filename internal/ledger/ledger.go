// Package ledger keeps the per-session question and answer history.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

const timestampLayout = "02-01-2006 15:04"

type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Format renders the entry the way the history panel lists it.
func (e Entry) Format() string {
	return fmt.Sprintf("%s : %s (%s)", e.Role, e.Content, e.Timestamp.Format(timestampLayout))
}

func (e Entry) Validate() error {
	switch e.Role {
	case RoleUser, RoleSystem:
	default:
		return fmt.Errorf("invalid ledger role %q", e.Role)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("ledger entry timestamp is required")
	}
	return nil
}

type Ledger interface {
	Append(ctx context.Context, sessionID string, entry Entry) error
	List(ctx context.Context, sessionID string) ([]Entry, error)
	Clear(ctx context.Context, sessionID string) error
}

// Memory is an in-process ledger. Entries are kept in append order.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: map[string][]Entry{}}
}

func (m *Memory) Append(_ context.Context, sessionID string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = append(m.entries[sessionID], entry)
	return nil
}

func (m *Memory) List(_ context.Context, sessionID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[sessionID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}
