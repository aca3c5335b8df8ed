// Package state keeps the snapshots of live wizard sessions whose connection
// dropped, so a reconnecting client can resume where it stopped.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Common store errors.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidData = errors.New("invalid data format")
)

// Store is the interface for state storage backends.
type Store interface {
	// Get retrieves a value by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A ttl of zero never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

// Session is what survives a dropped connection.
type Session struct {
	SessionID string          `msgpack:"session_id"`
	WizardID  string          `msgpack:"wizard_id"`
	Snapshot  wizard.Snapshot `msgpack:"snapshot"`
	SavedAt   time.Time       `msgpack:"saved_at"`
	ExpiresAt time.Time       `msgpack:"expires_at"`
}

// IsExpired reports whether the session is past its grace period at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Manager saves and resumes sessions on top of a Store.
type Manager struct {
	store      Store
	serializer *MsgPackSerializer
	keyPrefix  string
	ttl        time.Duration
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) ManagerOption {
	return func(m *Manager) {
		m.keyPrefix = prefix
	}
}

// WithTTL sets how long a dropped session can be resumed.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager with a two minute grace period.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		serializer: NewMsgPackSerializer(),
		keyPrefix:  "livewizard:session:",
		ttl:        2 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the grace period.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Save keeps snap for the grace period.
func (m *Manager) Save(ctx context.Context, sessionID, wizardID string, snap wizard.Snapshot) error {
	now := m.now()
	sess := Session{
		SessionID: sessionID,
		WizardID:  wizardID,
		Snapshot:  snap,
		SavedAt:   now,
	}
	if m.ttl > 0 {
		sess.ExpiresAt = now.Add(m.ttl)
	}
	data, err := m.serializer.Marshal(&sess)
	if err != nil {
		return fmt.Errorf("state: encode session %s: %w", sessionID, err)
	}
	return m.store.Set(ctx, m.keyPrefix+sessionID, data, m.ttl)
}

// Load returns the saved session, or ErrKeyNotFound once it expired.
func (m *Manager) Load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.store.Get(ctx, m.keyPrefix+sessionID)
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := m.serializer.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("state: decode session %s: %w", sessionID, err)
	}
	if sess.IsExpired(m.now()) {
		_ = m.Delete(ctx, sessionID)
		return nil, ErrKeyNotFound
	}
	return &sess, nil
}

// Take loads the session and removes it so it resumes only once.
func (m *Manager) Take(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.Delete(ctx, sessionID); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, m.keyPrefix+sessionID)
}

// Sessions returns the ids of all saved sessions.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx, m.keyPrefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, key := range keys {
		ids[i] = key[len(m.keyPrefix):]
	}
	return ids, nil
}

// Cleanup removes expired sessions and returns how many went.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	ids, err := m.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, err := m.Load(ctx, id); errors.Is(err, ErrKeyNotFound) {
			removed++
		}
	}
	return removed, nil
}
