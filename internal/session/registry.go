package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is a token-authenticated, time-limited identity binding.
// Expiry slides: every successful Validate extends it.
type Session struct {
	Token      string
	Subject    Subject
	IssuedAt   time.Time
	ExpiresAt  time.Time
	SourceAddr string
}

// Registry issues and validates session tokens. It is constructed once at
// process start and owned by its creator; there is no package-level state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time

	// Called by SweepExpired for each registered subject whose session
	// lapsed, so the owner can mark the user offline.
	onPresenceLoss func(username string)
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests use this to drive expiry.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// SetPresenceLossFunc registers the callback invoked on sweep eviction of
// a registered subject's session. Must be set before the sweep loop runs.
func (r *Registry) SetPresenceLossFunc(fn func(username string)) {
	r.mu.Lock()
	r.onPresenceLoss = fn
	r.mu.Unlock()
}

// Issue creates a session for the subject and returns its token.
func (r *Registry) Issue(sub Subject, sourceAddr string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	r.mu.Lock()
	now := r.now()
	r.sessions[token] = &Session{
		Token:      token,
		Subject:    sub,
		IssuedAt:   now,
		ExpiresAt:  now.Add(r.timeout),
		SourceAddr: sourceAddr,
	}
	r.mu.Unlock()
	return token, nil
}

// Validate resolves a token to its subject. A successful validation
// extends the session's expiry to now + timeout. Expired entries are
// evicted on sight.
func (r *Registry) Validate(token string) (Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return Subject{}, ErrSessionNotFound
	}
	now := r.now()
	if !now.Before(s.ExpiresAt) {
		delete(r.sessions, token)
		return Subject{}, ErrSessionExpired
	}
	s.ExpiresAt = now.Add(r.timeout)
	return s.Subject, nil
}

// Revoke removes the session. Returns false if the token is unknown.
func (r *Registry) Revoke(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[token]; !ok {
		return false
	}
	delete(r.sessions, token)
	return true
}

// SweepExpired evicts all expired sessions and reports each registered
// subject's presence loss. Returns the number of evictions.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	now := r.now()
	var lapsed []Subject
	for token, s := range r.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(r.sessions, token)
			lapsed = append(lapsed, s.Subject)
		}
	}
	fn := r.onPresenceLoss
	r.mu.Unlock()

	if fn != nil {
		for _, sub := range lapsed {
			if sub.Kind == Registered {
				fn(sub.Name)
			}
		}
	}
	return len(lapsed)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
