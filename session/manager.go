// Package session holds the client's authenticated session: the bearer
// token, its refresh token and the last-known-good marker used for the
// reconnect grace window.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketflow/auth"
	"marketflow/gotrue"
	"marketflow/logging"
)

// ErrNoSession is returned by Refresh when there is nothing to refresh.
var ErrNoSession = errors.New("session: not authenticated")

// Session is a bearer credential held by the client.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
	Email        string
}

// ExpiresWithin reports whether the token expires before now+d.
func (s *Session) ExpiresWithin(d time.Duration, now time.Time) bool {
	return !s.ExpiresAt.After(now.Add(d))
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// AuthAPI is the subset of the auth service the manager calls.
type AuthAPI interface {
	SignInWithPassword(ctx context.Context, email, password string) (gotrue.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (gotrue.TokenResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

// Manager owns the in-memory session and keeps it in step with the store.
type Manager struct {
	store *Store
	api   AuthAPI
	now   func() time.Time

	mu      sync.RWMutex
	current *Session
	loaded  bool
}

func NewManager(store *Store, api AuthAPI) *Manager {
	return &Manager{store: store, api: api, now: time.Now}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Session returns a copy of the current session, or nil when signed out.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	if m.loaded {
		cur := m.current
		m.mu.RUnlock()
		return cloneSession(cur), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		sess, err := m.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		m.current = sess
		m.loaded = true
	}
	return cloneSession(m.current), nil
}

// SignIn runs the password grant and stores the resulting session.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*Session, error) {
	tok, err := m.api.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("session: sign in: %w", err)
	}
	return m.adopt(ctx, tok)
}

// Refresh exchanges the refresh token for a new session. It performs one
// network call; callers that need deduplication go through the API client's
// refresh coordinator.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	cur, err := m.Session(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.RefreshToken == "" {
		return nil, ErrNoSession
	}

	tok, err := m.api.RefreshToken(ctx, cur.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("session: refresh: %w", err)
	}
	if tok.User.ID == "" {
		tok.User.ID = cur.UserID
		tok.User.Email = cur.Email
	}
	return m.adopt(ctx, tok)
}

// SignOut revokes the session remotely (best effort) and forgets it locally.
func (m *Manager) SignOut(ctx context.Context) error {
	cur, _ := m.Session(ctx)
	if cur != nil && cur.AccessToken != "" {
		if err := m.api.Logout(ctx, cur.AccessToken); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("remote logout failed, clearing local session anyway")
		}
	}
	m.Forget()
	return m.store.Clear(ctx)
}

// Forget drops the in-memory session without touching storage. Used after
// the storage has already been purged.
func (m *Manager) Forget() {
	m.mu.Lock()
	m.current = nil
	m.loaded = true
	m.mu.Unlock()
}

// LastKnownGood returns the last time a session was confirmed valid.
func (m *Manager) LastKnownGood(ctx context.Context) (time.Time, bool, error) {
	return m.store.LastKnownGood(ctx)
}

func (m *Manager) adopt(ctx context.Context, tok gotrue.TokenResponse) (*Session, error) {
	now := m.now()
	sess := &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry(now),
		UserID:       tok.User.ID,
		Email:        tok.User.Email,
	}
	if tok.ExpiresAt == 0 && tok.ExpiresIn == 0 {
		if exp, err := auth.ExpiryFromToken(tok.AccessToken); err == nil {
			sess.ExpiresAt = exp
		}
	}

	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.store.MarkKnownGood(ctx, now); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("stamp last-known-good marker")
	}

	m.mu.Lock()
	m.current = sess
	m.loaded = true
	m.mu.Unlock()
	return cloneSession(sess), nil
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
