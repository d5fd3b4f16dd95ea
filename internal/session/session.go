// Package session holds the server-side login sessions of the family-calendar
// backend. The browser only ever sees the opaque session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TTL is how long a session lives after its last write.
const TTL = 24 * time.Hour

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Status is the login state of a session.
type Status string

const (
	StatusPending       Status = "pending"
	StatusAuthenticated Status = "authenticated"
	StatusExpired       Status = "expired"
)

// Session is the server-side record behind the session_id cookie.
// State and CodeVerifier are only set between /login and /callback.
type Session struct {
	ID            string    `json:"-" firestore:"-"`
	State         string    `json:"state,omitempty" firestore:"state,omitempty"`
	CodeVerifier  string    `json:"codeVerifier,omitempty" firestore:"codeVerifier,omitempty"`
	AccessToken   string    `json:"accessToken,omitempty" firestore:"accessToken,omitempty"`
	RefreshToken  string    `json:"refreshToken,omitempty" firestore:"refreshToken,omitempty"`
	ExpiresAt     int64     `json:"expiresAt,omitempty" firestore:"expiresAt,omitempty"` // access token expiry, epoch ms
	Authenticated bool      `json:"authenticated" firestore:"authenticated"`
	CreatedAt     int64     `json:"createdAt" firestore:"createdAt"` // epoch ms
	ExpireAt      time.Time `json:"expireAt" firestore:"expireAt"`   // record TTL
}

// Status reports where the session is in the login lifecycle at now.
func (s *Session) Status(now time.Time) Status {
	if !s.Authenticated {
		return StatusPending
	}
	if s.ExpiresAt != 0 && s.ExpiresAt <= now.UnixMilli() {
		return StatusExpired
	}
	return StatusAuthenticated
}

// TokenExpiresWithin reports whether the access token expires before now+d.
func (s *Session) TokenExpiresWithin(now time.Time, d time.Duration) bool {
	return s.ExpiresAt != 0 && s.ExpiresAt <= now.Add(d).UnixMilli()
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}

// Store persists sessions by id.
type Store interface {
	// Put creates or replaces the session.
	Put(ctx context.Context, s *Session) error
	// Get returns ErrNotFound when the session is absent or past its ExpireAt.
	Get(ctx context.Context, id string) (*Session, error)
	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
}

// Sweeper is implemented by stores that need explicit removal of expired records.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Manager applies the session lifecycle on top of a Store.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager with the standard 24h TTL.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		ttl:   TTL,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Create starts a pending login and returns the new session.
func (m *Manager) Create(ctx context.Context, state, codeVerifier string) (*Session, error) {
	now := m.now()
	s := &Session{
		ID:            m.newID(),
		State:         state,
		CodeVerifier:  codeVerifier,
		Authenticated: false,
		CreatedAt:     now.UnixMilli(),
		ExpireAt:      now.Add(m.ttl),
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// Get loads a session. It returns ErrNotFound for empty ids without touching the store.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.ExpireAt.IsZero() && !s.ExpireAt.After(m.now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

// Update applies fn to the stored session and writes it back, renewing its TTL.
// Concurrent updates of the same id are last-write-wins.
func (m *Manager) Update(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(s)
	s.ID = id
	s.ExpireAt = m.now().Add(m.ttl)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return s, nil
}

// Delete removes a session; missing sessions are ignored.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// StartJanitor periodically purges expired sessions until ctx is done.
// It does nothing for stores that expire records on their own.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	sweeper, ok := m.store.(Sweeper)
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sweeper.DeleteExpired(ctx)
				if err != nil {
					slog.Warn("Failed to purge expired sessions", "error", err)
					continue
				}
				if n > 0 {
					slog.Debug("Purged expired sessions", "count", n)
				}
			}
		}
	}()
}
