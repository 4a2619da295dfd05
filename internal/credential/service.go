// Package credential implements the Credential Service: creation and
// verification of the 4-digit PIN stored on a Ledger row.
package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"golang.org/x/crypto/bcrypt"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/auth"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/changefeed"
	"github.com/diegous2023/gestorgastos/internal/ledger"
	"github.com/diegous2023/gestorgastos/internal/notification"
)

// PINLength is the exact number of digits in a PIN.
const PINLength = 4

var pinPattern = regexp.MustCompile(`^[0-9]+$`)

// ValidatePIN checks the PIN shape without touching any store.
func ValidatePIN(pin string) error {
	err := validation.Validate(pin,
		validation.Required,
		validation.Length(PINLength, PINLength),
		is.Digit,
		validation.Match(pinPattern),
	)
	if err != nil {
		return autherr.ErrInvalidPinFormat
	}
	return nil
}

// Service creates and verifies PINs.
type Service struct {
	ledger   ledger.Ledger
	sessions *auth.Service
	notifier notification.Notifier
	cost     int
}

// NewService creates a credential service.
func NewService(l ledger.Ledger, sessions *auth.Service, notifier notification.Notifier) *Service {
	return &Service{ledger: l, sessions: sessions, notifier: notifier, cost: bcrypt.DefaultCost}
}

// Submit runs a create or verify action for the identity bound to sess.
// The PIN shape is checked before the Ledger is read.
func (s *Service) Submit(ctx context.Context, sess auth.Session, req api.CredentialRequest) (api.CredentialResponse, error) {
	if req.Action != api.ActionCreate && req.Action != api.ActionVerify {
		return api.CredentialResponse{}, autherr.ErrInvalidRequest
	}
	if err := ValidatePIN(req.Pin); err != nil {
		return api.CredentialResponse{}, err
	}
	if !sess.Bound() || sess.Email != ledger.NormalizeEmail(req.Email) {
		return api.CredentialResponse{}, autherr.ErrNoPendingIdentity
	}

	row, err := s.ledger.FindByEmail(ctx, sess.Email)
	if errors.Is(err, ledger.ErrNotFound) {
		return api.CredentialResponse{}, autherr.ErrSessionInvalidated
	}
	if err != nil {
		return api.CredentialResponse{}, fmt.Errorf("find identity: %w", err)
	}
	if row.Status != ledger.StatusActive {
		return api.CredentialResponse{}, autherr.ErrSuspended
	}
	if row.Revision != sess.Revision {
		return api.CredentialResponse{}, autherr.ErrSessionInvalidated
	}

	if req.Action == api.ActionCreate {
		return s.create(ctx, sess, row, req.Pin)
	}
	return s.verify(ctx, sess, row, req.Pin)
}

// create overwrites any existing PIN. The write only lands on the row
// revision that was checked in Submit.
func (s *Service) create(ctx context.Context, sess auth.Session, row ledger.Identity, pin string) (api.CredentialResponse, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.cost)
	if err != nil {
		return api.CredentialResponse{}, fmt.Errorf("hash pin: %w", err)
	}
	change, err := s.ledger.Update(changefeed.WithOrigin(ctx, sess.ID), row.Email, ledger.Mutation{
		PINHash:          hash,
		ExpectedRevision: row.Revision,
	})
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrConflict) {
		return api.CredentialResponse{}, autherr.ErrSessionInvalidated
	}
	if err != nil {
		return api.CredentialResponse{}, fmt.Errorf("store pin: %w", err)
	}

	revision := change.New.Revision
	if _, err := s.sessions.Advance(ctx, sess.ID, revision, true); err != nil {
		return api.CredentialResponse{}, err
	}
	s.notify(ctx, notification.KindPinCreated, row.Email, "PIN created")
	return api.CredentialResponse{Success: true, Revision: revision}, nil
}

func (s *Service) verify(ctx context.Context, sess auth.Session, row ledger.Identity, pin string) (api.CredentialResponse, error) {
	if !row.HasPIN() {
		return api.CredentialResponse{}, autherr.ErrNoPinConfigured
	}
	if err := bcrypt.CompareHashAndPassword(row.PINHash, []byte(pin)); err != nil {
		s.notify(ctx, notification.KindPinRejected, row.Email, "incorrect PIN")
		return api.CredentialResponse{}, autherr.ErrPinMismatch
	}
	if _, err := s.sessions.Advance(ctx, sess.ID, row.Revision, true); err != nil {
		return api.CredentialResponse{}, err
	}
	s.notify(ctx, notification.KindPinVerified, row.Email, "PIN verified")
	return api.CredentialResponse{Success: true, Revision: row.Revision}, nil
}

func (s *Service) notify(ctx context.Context, kind, email, body string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Send(ctx, notification.Message{Kind: kind, Destination: email, Body: body})
}
