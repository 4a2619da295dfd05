// Package changefeed publishes Ledger row changes and lets sessions subscribe
// to the row they were derived from.
package changefeed

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/ledger"
)

// ErrClosed is returned by brokers that have been closed.
var ErrClosed = errors.New("change broker closed")

// Subscription is a live, non-restartable stream of change events for one
// email. Close unsubscribes and closes the Events channel.
type Subscription interface {
	Events() <-chan api.ChangeEvent
	Close() error
}

// Broker fans change events out to subscribers filtered by email.
type Broker interface {
	Publish(ctx context.Context, event api.ChangeEvent) error
	Subscribe(ctx context.Context, email string) (Subscription, error)
	Close() error
}

// Fingerprint derives a non-reversible marker from a stored PIN hash. It is
// empty when no PIN is set.
func Fingerprint(pinHash []byte) string {
	if len(pinHash) == 0 {
		return ""
	}
	sum := blake3.Sum256(pinHash)
	return hex.EncodeToString(sum[:16])
}

type originKey struct{}

// WithOrigin marks writes made with ctx as performed by sessionID.
func WithOrigin(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, originKey{}, sessionID)
}

// OriginTag is the published, non-reversible form of a session id.
func OriginTag(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := blake3.Sum256([]byte("origin:" + sessionID))
	return hex.EncodeToString(sum[:16])
}

func originFrom(ctx context.Context) string {
	id, _ := ctx.Value(originKey{}).(string)
	return OriginTag(id)
}

// Image converts a Ledger row to its published form.
func Image(id ledger.Identity) api.RowImage {
	return api.RowImage{
		Email:          id.Email,
		Name:           id.Name,
		Status:         string(id.Status),
		HasPin:         id.HasPIN(),
		PinFingerprint: Fingerprint(id.PINHash),
		Revision:       id.Revision,
		UpdatedAt:      id.UpdatedAt,
	}
}

// EventFromChange converts a Ledger change to a change event.
func EventFromChange(change ledger.Change) api.ChangeEvent {
	event := api.ChangeEvent{Email: change.Email()}
	if change.Old != nil {
		img := Image(*change.Old)
		event.Old = &img
	}
	if change.New != nil {
		img := Image(*change.New)
		event.New = &img
	}
	return event
}
