package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diegous2023/gestorgastos/internal/autherr"
)

// Service issues caller tokens and manages the sessions behind them.
type Service struct {
	tokens *TokenService
	store  Store
	now    func() time.Time
}

// NewService wires a token service to a session store.
func NewService(tokens *TokenService, store Store) *Service {
	return &Service{tokens: tokens, store: store, now: time.Now}
}

// Issued is a freshly minted anonymous caller token.
type Issued struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// IssueAnonymous starts a new login attempt with an unbound session.
func (s *Service) IssueAnonymous(ctx context.Context) (Issued, error) {
	token, id, exp, err := s.tokens.Issue()
	if err != nil {
		return Issued{}, err
	}
	if err := s.store.Create(ctx, Session{ID: id, ExpiresAt: exp}); err != nil {
		return Issued{}, fmt.Errorf("create session: %w", err)
	}
	return Issued{Token: token, SessionID: id, ExpiresAt: exp}, nil
}

// Authenticate resolves a bearer token to its live session.
func (s *Service) Authenticate(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, autherr.ErrInvalidToken
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, autherr.ErrInvalidToken
	}
	sess, err := s.store.Get(ctx, claims.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, autherr.ErrSessionInvalidated
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Lookup returns the session by id.
func (s *Service) Lookup(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, autherr.ErrSessionInvalidated
	}
	return sess, err
}

// Bind attaches a verified identity to the session.
func (s *Service) Bind(ctx context.Context, sessionID string, b Binding) (Session, error) {
	sess, err := s.store.Bind(ctx, sessionID, b, s.now().UTC())
	switch {
	case errors.Is(err, ErrBoundToOther):
		return Session{}, autherr.ErrAlreadyBound
	case errors.Is(err, ErrSessionNotFound):
		return Session{}, autherr.ErrSessionInvalidated
	case err != nil:
		return Session{}, fmt.Errorf("bind session: %w", err)
	}
	return sess, nil
}

// Advance records the row revision the session is now derived from.
func (s *Service) Advance(ctx context.Context, sessionID string, revision int64, pinVerified bool) (Session, error) {
	sess, err := s.store.Advance(ctx, sessionID, revision, pinVerified)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, autherr.ErrSessionInvalidated
	}
	if err != nil {
		return Session{}, fmt.Errorf("advance session: %w", err)
	}
	return sess, nil
}

// Revoke destroys the session behind token. Unknown or expired tokens are ignored.
func (s *Service) Revoke(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(strings.TrimSpace(token))
	if err != nil {
		return nil
	}
	return s.store.Delete(ctx, claims.ID)
}
