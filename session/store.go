package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketflow/localstore"
)

// Storage keys. Everything under "session:" is removed by a forced sign-out.
const (
	KeyCurrent       = "session:current"
	KeyLastKnownGood = "session:last_known_good"
	keySecret        = "session:key"
)

type record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token_sealed"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
}

type marker struct {
	At time.Time `json:"at"`
}

// Store persists the current session and the last-known-good marker.
type Store struct {
	kv     localstore.Store
	secret string

	mu     sync.Mutex
	sealer *sealer
}

// NewStore wraps kv. With an empty secret a random one is generated and
// kept in kv next to the session.
func NewStore(kv localstore.Store, secret string) *Store {
	return &Store{kv: kv, secret: secret}
}

func (s *Store) getSealer(ctx context.Context) (*sealer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealer != nil {
		return s.sealer, nil
	}

	secret := s.secret
	if secret == "" {
		err := s.kv.Get(ctx, keySecret, &secret)
		if errors.Is(err, localstore.ErrNotFound) {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return nil, fmt.Errorf("session: generate secret: %w", err)
			}
			secret = base64.RawStdEncoding.EncodeToString(buf)
			if err := s.kv.Put(ctx, keySecret, secret); err != nil {
				return nil, fmt.Errorf("session: store secret: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("session: load secret: %w", err)
		}
	}

	sl, err := newSealer([]byte(secret))
	if err != nil {
		return nil, err
	}
	// A generated secret is wiped with the session on sign-out; forget it
	// so the next save generates a fresh one.
	if s.secret != "" {
		s.sealer = sl
	}
	return sl, nil
}

// Load returns the persisted session, or nil when there is none.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	var rec record
	if err := s.kv.Get(ctx, KeyCurrent, &rec); err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: load: %w", err)
	}

	sess := &Session{
		AccessToken: rec.AccessToken,
		ExpiresAt:   rec.ExpiresAt,
		UserID:      rec.UserID,
		Email:       rec.Email,
	}
	if rec.RefreshToken != "" {
		sl, err := s.getSealer(ctx)
		if err != nil {
			return nil, err
		}
		rt, err := sl.open(rec.RefreshToken)
		if err != nil {
			return nil, err
		}
		sess.RefreshToken = rt
	}
	return sess, nil
}

// Save persists sess with its refresh token sealed.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	rec := record{
		AccessToken: sess.AccessToken,
		ExpiresAt:   sess.ExpiresAt,
		UserID:      sess.UserID,
		Email:       sess.Email,
	}
	if sess.RefreshToken != "" {
		sl, err := s.getSealer(ctx)
		if err != nil {
			return err
		}
		if rec.RefreshToken, err = sl.seal(sess.RefreshToken); err != nil {
			return err
		}
	}
	if err := s.kv.Put(ctx, KeyCurrent, rec); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Clear removes the session and the marker.
func (s *Store) Clear(ctx context.Context) error {
	for _, k := range []string{KeyCurrent, KeyLastKnownGood} {
		if err := s.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("session: clear %s: %w", k, err)
		}
	}
	return nil
}

// MarkKnownGood stamps the time of the last successful authentication.
func (s *Store) MarkKnownGood(ctx context.Context, at time.Time) error {
	if err := s.kv.Put(ctx, KeyLastKnownGood, marker{At: at}); err != nil {
		return fmt.Errorf("session: mark known good: %w", err)
	}
	return nil
}

// LastKnownGood returns the marker time and whether a marker exists.
func (s *Store) LastKnownGood(ctx context.Context) (time.Time, bool, error) {
	var m marker
	if err := s.kv.Get(ctx, KeyLastKnownGood, &m); err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("session: read marker: %w", err)
	}
	return m.At, !m.At.IsZero(), nil
}
