// Package invalidation watches the Ledger row a session was derived from and
// reports the first change that invalidates it.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/client"
	"github.com/diegous2023/gestorgastos/internal/logging"
)

// Reasons a session is invalidated. All of them match
// autherr.ErrSessionInvalidated with errors.Is.
var (
	ErrRowChanged     = fmt.Errorf("%w: identity changed", autherr.ErrSessionInvalidated)
	ErrPinChanged     = fmt.Errorf("%w: PIN changed", autherr.ErrSessionInvalidated)
	ErrSuspended      = fmt.Errorf("%w: identity suspended", autherr.ErrSessionInvalidated)
	ErrRowDeleted     = fmt.Errorf("%w: identity removed", autherr.ErrSessionInvalidated)
	ErrSessionExpired = fmt.Errorf("%w: session expired", autherr.ErrSessionInvalidated)
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Source is the server side of the listener. *client.Client implements it.
type Source interface {
	Changes(ctx context.Context, token string) (client.Stream, error)
	Revision(ctx context.Context, token string) (api.RevisionResponse, error)
}

// Listener keeps a change subscription open for one session, reconnecting
// with backoff when the stream drops.
type Listener struct {
	source     Source
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option customises a Listener.
type Option func(*Listener)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(l *Listener) {
		l.minBackoff = minDelay
		l.maxBackoff = maxDelay
	}
}

func NewListener(source Source, logger *slog.Logger, opts ...Option) *Listener {
	l := &Listener{
		source:     source,
		logger:     logger,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run watches the session behind token until it is invalidated or ctx ends.
// known returns the revision the session currently accepts. Run returns the
// invalidation reason, or nil when ctx was cancelled.
//
// Every (re)subscription is followed by a revision check so writes made
// while the stream was down are not missed.
func (l *Listener) Run(ctx context.Context, token string, known func() int64) error {
	delay := l.minBackoff
	for {
		stream, err := l.source.Changes(ctx, token)
		if ctx.Err() != nil {
			if stream != nil {
				stream.Close()
			}
			return nil
		}
		if err != nil {
			if reason := subscribeFailure(err); reason != nil {
				return reason
			}
			l.logger.Warn("change stream unavailable", slog.Any("error", err), slog.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return nil
			}
			delay = next(delay, l.maxBackoff)
			continue
		}

		resp, err := l.source.Revision(ctx, token)
		if ctx.Err() != nil {
			stream.Close()
			return nil
		}
		if reason := Reconcile(resp, err, known()); reason != nil {
			stream.Close()
			return reason
		}
		delay = l.minBackoff

		reason, err := l.consume(stream, known)
		stream.Close()
		if reason != nil {
			return reason
		}
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Info("change stream dropped", slog.Any("error", err), slog.Duration("retry_in", delay))
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// consume reads events until one invalidates the session or the stream ends.
func (l *Listener) consume(stream client.Stream, known func() int64) (reason, err error) {
	for {
		event, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if reason := Evaluate(event, known()); reason != nil {
			l.logger.Info("session invalidated by change",
				slog.String("email", event.Email),
				slog.String("reason", reason.Error()),
			)
			return reason, nil
		}
	}
}

// Evaluate decides whether event invalidates a session that accepted
// revision known. Any write newer than known does. A deleted or non-active
// row invalidates the session whatever its revision.
func Evaluate(event api.ChangeEvent, known int64) error {
	switch {
	case event.New == nil:
		return ErrRowDeleted
	case event.New.Status != "active":
		return ErrSuspended
	case event.New.Revision <= known:
		return nil
	case event.PinChanged():
		return ErrPinChanged
	default:
		return ErrRowChanged
	}
}

// Reconcile compares the result of a revision probe with known. Transport
// failures are not a reason: the caller keeps its session and retries.
func Reconcile(resp api.RevisionResponse, err error, known int64) error {
	if err != nil {
		switch {
		case errors.Is(err, autherr.ErrIdentityNotFound):
			return ErrRowDeleted
		case errors.Is(err, autherr.ErrInvalidToken),
			errors.Is(err, autherr.ErrSessionInvalidated),
			errors.Is(err, autherr.ErrNoPendingIdentity):
			return ErrSessionExpired
		default:
			return nil
		}
	}
	if resp.Status != "active" {
		return ErrSuspended
	}
	if resp.Revision != known {
		return ErrRowChanged
	}
	return nil
}

func subscribeFailure(err error) error {
	switch {
	case errors.Is(err, autherr.ErrInvalidToken),
		errors.Is(err, autherr.ErrSessionInvalidated),
		errors.Is(err, autherr.ErrNoPendingIdentity):
		return ErrSessionExpired
	default:
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func next(d, maxDelay time.Duration) time.Duration {
	d *= 2
	if d > maxDelay {
		return maxDelay
	}
	return d
}
