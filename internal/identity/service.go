// Package identity implements the Identity Authorization Service: it checks a
// claimed email against the Ledger and binds the verified identity to the
// caller's session.
package identity

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/auth"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/ledger"
	"github.com/diegous2023/gestorgastos/internal/notification"
)

// Service authorizes emails against the Ledger.
type Service struct {
	ledger   ledger.Ledger
	sessions *auth.Service
	notifier notification.Notifier
}

// NewService creates a new identity service.
func NewService(l ledger.Ledger, sessions *auth.Service, notifier notification.Notifier) *Service {
	return &Service{ledger: l, sessions: sessions, notifier: notifier}
}

func validateEmail(email string) error {
	return validation.Validate(email, validation.Required, validation.Length(3, 254))
}

// Authorize looks up email, refuses unknown or suspended identities and binds
// the row to the session. The Ledger is only read.
func (s *Service) Authorize(ctx context.Context, sessionID, email string) (api.AuthorizeResponse, error) {
	email = ledger.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return api.AuthorizeResponse{}, autherr.ErrInvalidRequest
	}

	row, err := s.ledger.FindByEmail(ctx, email)
	if errors.Is(err, ledger.ErrNotFound) {
		s.notify(ctx, notification.KindAccessDenied, email, "email not on the allowlist")
		return api.AuthorizeResponse{}, autherr.ErrNotAuthorized
	}
	if err != nil {
		return api.AuthorizeResponse{}, fmt.Errorf("find identity: %w", err)
	}
	if row.Status == ledger.StatusSuspended {
		s.notify(ctx, notification.KindSuspendedLogin, email, "login attempt on suspended identity")
		return api.AuthorizeResponse{}, autherr.ErrSuspended
	}

	if _, err := s.sessions.Bind(ctx, sessionID, auth.Binding{Email: row.Email, Name: row.Name, Revision: row.Revision}); err != nil {
		return api.AuthorizeResponse{}, err
	}

	return api.AuthorizeResponse{
		Email:    row.Email,
		Name:     row.Name,
		HasPin:   row.HasPIN(),
		Revision: row.Revision,
	}, nil
}

// Revision reports the current state of the row a bound session derives from.
func (s *Service) Revision(ctx context.Context, sess auth.Session) (api.RevisionResponse, error) {
	if !sess.Bound() {
		return api.RevisionResponse{}, autherr.ErrNoPendingIdentity
	}
	row, err := s.ledger.FindByEmail(ctx, sess.Email)
	if errors.Is(err, ledger.ErrNotFound) {
		return api.RevisionResponse{}, autherr.ErrIdentityNotFound
	}
	if err != nil {
		return api.RevisionResponse{}, fmt.Errorf("find identity: %w", err)
	}
	return api.RevisionResponse{
		Email:    row.Email,
		Revision: row.Revision,
		Status:   string(row.Status),
		HasPin:   row.HasPIN(),
	}, nil
}

func (s *Service) notify(ctx context.Context, kind, email, body string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Send(ctx, notification.Message{Kind: kind, Destination: email, Body: body})
}
