// Package admin manages the allowlist. Every write goes through the Ledger,
// so it bumps the row revision and invalidates sessions derived from it.
package admin

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/ledger"
	"github.com/diegous2023/gestorgastos/internal/notification"
)

// Service implements the administrator operations.
type Service struct {
	ledger   ledger.Ledger
	notifier notification.Notifier
}

func NewService(l ledger.Ledger, notifier notification.Notifier) *Service {
	return &Service{ledger: l, notifier: notifier}
}

func toResponse(id ledger.Identity) api.IdentityResponse {
	return api.IdentityResponse{
		Email:     id.Email,
		Name:      id.Name,
		Status:    string(id.Status),
		HasPin:    id.HasPIN(),
		Revision:  id.Revision,
		CreatedAt: id.CreatedAt,
		UpdatedAt: id.UpdatedAt,
	}
}

func mapLedgerErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return autherr.ErrIdentityNotFound
	case errors.Is(err, ledger.ErrExists):
		return autherr.ErrIdentityExists
	case errors.Is(err, ledger.ErrInvalidStatus), errors.Is(err, ledger.ErrEmptyMutation):
		return autherr.ErrInvalidRequest
	}
	return err
}

// List returns every identity, newest first.
func (s *Service) List(ctx context.Context) ([]api.IdentityResponse, error) {
	rows, err := s.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	out := make([]api.IdentityResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, toResponse(row))
	}
	return out, nil
}

// Add puts a new active identity without PIN on the allowlist.
func (s *Service) Add(ctx context.Context, req api.AddIdentityRequest) (api.IdentityResponse, error) {
	req.Email = ledger.NormalizeEmail(req.Email)
	err := validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&req.Name, validation.Required, validation.Length(1, 200)),
	)
	if err != nil {
		return api.IdentityResponse{}, fmt.Errorf("%w: %v", autherr.ErrInvalidRequest, err)
	}
	change, err := s.ledger.Create(ctx, req.Email, req.Name)
	if err != nil {
		return api.IdentityResponse{}, mapLedgerErr(err)
	}
	s.notify(ctx, notification.KindIdentityAdded, req.Email, "identity added")
	return toResponse(*change.New), nil
}

// Update renames an identity and/or changes its status.
func (s *Service) Update(ctx context.Context, email string, req api.UpdateIdentityRequest) (api.IdentityResponse, error) {
	err := validation.ValidateStruct(&req,
		validation.Field(&req.Name, validation.NilOrNotEmpty, validation.Length(1, 200)),
		validation.Field(&req.Status, validation.NilOrNotEmpty,
			validation.In(string(ledger.StatusActive), string(ledger.StatusSuspended))),
	)
	if err != nil {
		return api.IdentityResponse{}, fmt.Errorf("%w: %v", autherr.ErrInvalidRequest, err)
	}

	var m ledger.Mutation
	m.Name = req.Name
	if req.Status != nil {
		status := ledger.Status(*req.Status)
		m.Status = &status
	}
	change, err := s.ledger.Update(ctx, email, m)
	if err != nil {
		return api.IdentityResponse{}, mapLedgerErr(err)
	}
	if change.Old.Status != change.New.Status {
		s.notify(ctx, notification.KindStatusChanged, change.New.Email,
			fmt.Sprintf("status %s -> %s", change.Old.Status, change.New.Status))
	}
	return toResponse(*change.New), nil
}

// ResetPIN clears the PIN so the next login has to create one.
func (s *Service) ResetPIN(ctx context.Context, email string) (api.IdentityResponse, error) {
	change, err := s.ledger.Update(ctx, email, ledger.Mutation{ClearPIN: true})
	if err != nil {
		return api.IdentityResponse{}, mapLedgerErr(err)
	}
	s.notify(ctx, notification.KindPinReset, change.New.Email, "PIN reset by administrator")
	return toResponse(*change.New), nil
}

// Delete removes the identity from the allowlist.
func (s *Service) Delete(ctx context.Context, email string) error {
	change, err := s.ledger.Delete(ctx, email)
	if err != nil {
		return mapLedgerErr(err)
	}
	s.notify(ctx, notification.KindIdentityRemoved, change.Old.Email, "identity removed")
	return nil
}

func (s *Service) notify(ctx context.Context, kind, email, body string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Send(ctx, notification.Message{Kind: kind, Destination: email, Body: body})
}
