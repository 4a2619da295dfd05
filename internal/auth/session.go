package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for unknown, expired or revoked sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBoundToOther is returned when a session already carries a different identity.
	ErrBoundToOther = errors.New("session bound to another identity")
)

// Session is the server-side record behind a caller token. Email and Name
// are empty until the identity authorization step binds them, and are set
// at most once.
type Session struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Revision    int64     `json:"revision"`
	PinVerified bool      `json:"pin_verified"`
	BoundAt     time.Time `json:"bound_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Bound reports whether an identity has been bound.
func (s Session) Bound() bool {
	return s.Email != ""
}

// Binding is what the authorization step writes into a session.
type Binding struct {
	Email    string
	Name     string
	Revision int64
}

// Store persists session records until they expire.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Bind sets the identity on an unbound session. Binding the same email
	// again refreshes the revision; a different email fails with ErrBoundToOther.
	Bind(ctx context.Context, id string, b Binding, at time.Time) (Session, error)
	// Advance records a new row revision for the bound session, optionally
	// marking the PIN as verified.
	Advance(ctx context.Context, id string, revision int64, pinVerified bool) (Session, error)
	Delete(ctx context.Context, id string) error
}

func bind(s Session, b Binding, at time.Time) (Session, error) {
	if s.Bound() && s.Email != b.Email {
		return Session{}, ErrBoundToOther
	}
	if !s.Bound() {
		s.Email = b.Email
		s.Name = b.Name
		s.BoundAt = at
	}
	if b.Revision != s.Revision {
		s.PinVerified = false
	}
	s.Revision = b.Revision
	return s, nil
}

func advance(s Session, revision int64, pinVerified bool) (Session, error) {
	if !s.Bound() {
		return Session{}, ErrSessionNotFound
	}
	s.Revision = revision
	s.PinVerified = s.PinVerified || pinVerified
	return s, nil
}
