package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no row exists for the requested email.
	ErrNotFound = errors.New("identity not found")

	// ErrExists is returned when creating a row for an email already on the allowlist.
	ErrExists = errors.New("identity already exists")

	// ErrInvalidStatus is returned for statuses outside active/suspended.
	ErrInvalidStatus = errors.New("invalid identity status")

	// ErrEmptyMutation is returned when an update carries no field to change.
	ErrEmptyMutation = errors.New("mutation changes nothing")

	// ErrConflict is returned when the row no longer has the revision the
	// writer expected.
	ErrConflict = errors.New("identity revision conflict")
)

// Status is the allowlist state of an identity.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusSuspended
}

// Identity is one row of the authorization ledger. Revision increases on
// every write to the row.
type Identity struct {
	Email     string
	Name      string
	Status    Status
	PINHash   []byte
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPIN reports whether a PIN is configured.
func (i Identity) HasPIN() bool {
	return len(i.PINHash) > 0
}

func (i Identity) clone() Identity {
	if i.PINHash != nil {
		i.PINHash = append([]byte(nil), i.PINHash...)
	}
	return i
}

// Mutation describes a single-row update. Nil fields are left untouched.
// A non-zero ExpectedRevision makes the write conditional on the row still
// carrying that revision.
type Mutation struct {
	Name             *string
	Status           *Status
	PINHash          []byte
	ClearPIN         bool
	ExpectedRevision int64
}

func (m Mutation) empty() bool {
	return m.Name == nil && m.Status == nil && m.PINHash == nil && !m.ClearPIN
}

// apply returns row with the mutation applied and the revision bumped.
func (m Mutation) apply(row Identity, now time.Time) (Identity, error) {
	if m.empty() {
		return Identity{}, ErrEmptyMutation
	}
	if m.ExpectedRevision != 0 && row.Revision != m.ExpectedRevision {
		return Identity{}, fmt.Errorf("%w: %s is at %d, expected %d", ErrConflict, row.Email, row.Revision, m.ExpectedRevision)
	}
	next := row.clone()
	if m.Name != nil {
		next.Name = strings.TrimSpace(*m.Name)
	}
	if m.Status != nil {
		if !m.Status.Valid() {
			return Identity{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *m.Status)
		}
		next.Status = *m.Status
	}
	switch {
	case m.ClearPIN:
		next.PINHash = nil
	case m.PINHash != nil:
		next.PINHash = append([]byte(nil), m.PINHash...)
	}
	next.Revision = row.Revision + 1
	next.UpdatedAt = now
	return next, nil
}

// Change pairs the row images before and after a write. Old is nil for
// inserts and New is nil for deletes.
type Change struct {
	Old *Identity
	New *Identity
}

// Email returns the key of the changed row.
func (c Change) Email() string {
	if c.New != nil {
		return c.New.Email
	}
	if c.Old != nil {
		return c.Old.Email
	}
	return ""
}

// NormalizeEmail lowercases and trims an email so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Ledger defines the contract implemented by ledger backends. Every write is
// an atomic single-row operation.
type Ledger interface {
	FindByEmail(ctx context.Context, email string) (Identity, error)
	List(ctx context.Context) ([]Identity, error)
	Create(ctx context.Context, email, name string) (Change, error)
	Update(ctx context.Context, email string, m Mutation) (Change, error)
	Delete(ctx context.Context, email string) (Change, error)
}
