// Package sessiontrust drives the client login state machine: caller token,
// email authorization, the PIN stage, device trust and invalidation.
package sessiontrust

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/devicetrust"
	"github.com/diegous2023/gestorgastos/internal/invalidation"
	"github.com/diegous2023/gestorgastos/internal/logging"
)

// revokeTimeout bounds best-effort token revocation.
const revokeTimeout = 5 * time.Second

type State string

const (
	StateLoggedOut   State = "logged_out"
	StateAuthorizing State = "authorizing"
	StatePinPending  State = "pin_pending"
	StateActive      State = "active"
)

// PinMode is the PIN operation the session is waiting for.
type PinMode string

const (
	PinModeNone   PinMode = ""
	PinModeCreate PinMode = "create"
	PinModeVerify PinMode = "verify"
)

// PinStage tracks whether a PIN still has to be created or verified.
type PinStage struct {
	Required bool
	HasPin   bool
	Verified bool
	Mode     PinMode
}

// Snapshot is a consistent copy of the orchestrator state.
type Snapshot struct {
	State    State
	Email    string
	Name     string
	Revision int64
	Pin      PinStage
	// FastPath is set when the PIN stage was skipped for a remembered device.
	FastPath bool
}

// Backend is the server API used by the orchestrator. *client.Client
// implements it.
type Backend interface {
	IssueAnonymous(ctx context.Context) (string, error)
	Logout(ctx context.Context, token string) error
	Authorize(ctx context.Context, token, email string) (api.AuthorizeResponse, error)
	Credential(ctx context.Context, token string, req api.CredentialRequest) (api.CredentialResponse, error)
	Revision(ctx context.Context, token string) (api.RevisionResponse, error)
}

// Watcher reports the first change that invalidates the session behind
// token. *invalidation.Listener implements it.
type Watcher interface {
	Run(ctx context.Context, token string, known func() int64) error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithWatcher(w Watcher) Option {
	return func(o *Orchestrator) { o.watcher = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// OnInvalidated registers fn to run after a session was forcibly logged out.
// fn runs without the orchestrator lock held.
func OnInvalidated(fn func(reason error)) Option {
	return func(o *Orchestrator) { o.onInvalidated = fn }
}

// Orchestrator owns one client's session. All methods are safe for
// concurrent use; invalidation always wins over an in-flight PIN call.
type Orchestrator struct {
	backend       Backend
	trust         *devicetrust.Store
	watcher       Watcher
	logger        *slog.Logger
	onInvalidated func(reason error)

	mu       sync.Mutex
	gen      uint64
	state    State
	token    string
	email    string
	name     string
	revision int64
	pin      PinStage
	fastPath bool

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// New builds an orchestrator. When no watcher is given and backend can
// stream changes, an invalidation.Listener is used.
func New(backend Backend, trust *devicetrust.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{backend: backend, trust: trust, state: StateLoggedOut}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.trust == nil {
		o.trust = devicetrust.NewMemory()
	}
	if o.watcher == nil {
		if src, ok := backend.(invalidation.Source); ok {
			o.watcher = invalidation.NewListener(src, o.logger)
		}
	}
	return o
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		State:    o.state,
		Email:    o.email,
		Name:     o.name,
		Revision: o.revision,
		Pin:      o.pin,
		FastPath: o.fastPath,
	}
}

// Login authorizes email with a fresh caller token. On success the session
// is either Active (remembered device whose watermark still matches) or
// waiting for its PIN. On failure it stays LoggedOut.
func (o *Orchestrator) Login(ctx context.Context, email string) error {
	o.mu.Lock()
	if o.state != StateLoggedOut {
		o.mu.Unlock()
		return autherr.ErrInvalidState
	}
	o.gen++
	gen := o.gen
	o.state = StateAuthorizing
	o.mu.Unlock()

	token, err := o.backend.IssueAnonymous(ctx)
	if err != nil {
		o.abortLogin(gen)
		return err
	}
	resp, err := o.backend.Authorize(ctx, token, email)
	if err != nil {
		o.abortLogin(gen)
		o.revoke(ctx, token)
		return err
	}

	o.mu.Lock()
	if o.gen != gen || o.state != StateAuthorizing {
		o.mu.Unlock()
		o.revoke(ctx, token)
		return autherr.ErrSessionInvalidated
	}

	if remembered, ok := o.trust.Remembered(); ok && remembered != resp.Email {
		o.forgetLocked(remembered)
	}
	fast := false
	if o.trust.Get(resp.Email) {
		wm, ok := o.trust.Watermark(resp.Email)
		if resp.HasPin && ok && wm == resp.Revision {
			fast = true
		} else {
			o.logger.Info("remembered device is stale", slog.String("email", resp.Email))
			o.forgetLocked(resp.Email)
		}
	}

	o.token = token
	o.email = resp.Email
	o.name = resp.Name
	o.revision = resp.Revision
	o.fastPath = fast
	if fast {
		o.state = StateActive
		o.pin = PinStage{HasPin: true}
		o.persist("save session", o.trust.SaveSession(o.recordLocked()))
	} else {
		o.state = StatePinPending
		o.pin = PinStage{Required: true, HasPin: resp.HasPin, Mode: PinModeCreate}
		if resp.HasPin {
			o.pin.Mode = PinModeVerify
		}
	}
	o.startWatchLocked(gen)
	o.mu.Unlock()
	return nil
}

// CreatePin sets the first PIN. confirm must repeat pin.
func (o *Orchestrator) CreatePin(ctx context.Context, pin, confirm string, remember bool) error {
	return o.submit(ctx, PinModeCreate, pin, remember, func() error {
		if pin != confirm {
			return autherr.ErrPinConfirmation
		}
		return nil
	})
}

// VerifyPin checks the PIN against the server.
func (o *Orchestrator) VerifyPin(ctx context.Context, pin string, remember bool) error {
	return o.submit(ctx, PinModeVerify, pin, remember, nil)
}

func (o *Orchestrator) submit(ctx context.Context, mode PinMode, pin string, remember bool, precheck func() error) error {
	o.mu.Lock()
	if o.state != StatePinPending || o.pin.Mode != mode {
		o.mu.Unlock()
		return autherr.ErrInvalidState
	}
	if precheck != nil {
		if err := precheck(); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	gen, token, email := o.gen, o.token, o.email
	o.mu.Unlock()

	resp, err := o.backend.Credential(ctx, token, api.CredentialRequest{Email: email, Pin: pin, Action: string(mode)})

	o.mu.Lock()
	if o.gen != gen || o.state != StatePinPending {
		// The session ended while the call was in flight.
		o.mu.Unlock()
		return autherr.ErrSessionInvalidated
	}
	if err != nil {
		o.mu.Unlock()
		if invalidates(err) {
			o.invalidate(ctx, gen, err)
		}
		return err
	}

	o.state = StateActive
	o.revision = resp.Revision
	o.pin.Required = false
	o.pin.HasPin = true
	o.pin.Verified = true
	o.persist("save session", o.trust.SaveSession(o.recordLocked()))
	if remember {
		o.persist("remember device", o.trust.Set(email))
		o.persist("store watermark", o.trust.SetWatermark(email, resp.Revision))
	}
	o.mu.Unlock()
	return nil
}

// Logout ends the session. Device trust is kept so the next login of the
// same identity can take the fast path. The server-side revoke is best
// effort; its error is returned after the local state is already cleared.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.mu.Lock()
	token := o.token
	o.gen++
	o.resetLocked()
	o.persist("clear session", o.trust.ClearSession())
	o.mu.Unlock()

	if token == "" {
		return nil
	}
	return o.backend.Logout(ctx, token)
}

// Resume restores the persisted session after a restart. The row is probed
// first: if it moved, was suspended or removed while the client was away,
// the session is invalidated. Transport errors keep the persisted session
// for a later attempt.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateLoggedOut {
		o.mu.Unlock()
		return autherr.ErrInvalidState
	}
	rec, ok := o.trust.Session()
	if !ok {
		o.mu.Unlock()
		return nil
	}
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	resp, err := o.backend.Revision(ctx, rec.Token)
	reason := invalidation.Reconcile(resp, err, rec.Revision)
	if reason == nil && err != nil {
		return err
	}
	if reason == nil {
		if wm, ok := o.trust.Watermark(rec.Email); ok && wm != resp.Revision {
			reason = invalidation.ErrRowChanged
		}
	}

	o.mu.Lock()
	if o.gen != gen || o.state != StateLoggedOut {
		o.mu.Unlock()
		return autherr.ErrSessionInvalidated
	}
	if errors.Is(reason, invalidation.ErrSessionExpired) {
		// The token is gone; the row may still have moved.
		o.persist("clear session", o.trust.ClearSession())
		o.mu.Unlock()
		o.checkTrust(ctx, gen, rec.Email)
		return reason
	}
	if reason != nil {
		o.token = rec.Token
		o.email = rec.Email
		o.mu.Unlock()
		o.invalidate(ctx, gen, reason)
		return reason
	}

	o.token = rec.Token
	o.email = rec.Email
	o.name = rec.Name
	o.revision = resp.Revision
	o.state = StateActive
	o.pin = PinStage{HasPin: resp.HasPin}
	o.fastPath = false
	o.startWatchLocked(gen)
	o.mu.Unlock()
	return nil
}

// ForgetDevice drops the remembered identity and its watermark.
func (o *Orchestrator) ForgetDevice() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	email, ok := o.trust.Remembered()
	if !ok {
		return nil
	}
	if err := o.trust.Clear(); err != nil {
		return err
	}
	return o.trust.ClearWatermark(email)
}

// Close stops the invalidation watcher and waits for it to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	done := o.watchDone
	o.stopWatchLocked()
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) abortLogin(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen == gen && o.state == StateAuthorizing {
		o.state = StateLoggedOut
	}
}

// invalidate forces LoggedOut, clears device trust, the watermark and the
// persisted session, and revokes the caller token. It is a no-op when gen
// is no longer current.
func (o *Orchestrator) invalidate(ctx context.Context, gen uint64, reason error) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.gen++
	email, token := o.email, o.token
	o.forgetLocked(email)
	o.persist("clear session", o.trust.ClearSession())
	o.resetLocked()
	cb := o.onInvalidated
	o.mu.Unlock()

	if token != "" {
		o.revoke(ctx, token)
	}
	o.logger.Warn("session invalidated", slog.String("email", email), slog.String("reason", reason.Error()))
	if cb != nil {
		cb(reason)
	}
}

func (o *Orchestrator) forgetLocked(email string) {
	if email == "" {
		return
	}
	if remembered, ok := o.trust.Remembered(); ok && remembered == email {
		o.persist("clear device trust", o.trust.Clear())
	}
	o.persist("clear watermark", o.trust.ClearWatermark(email))
}

func (o *Orchestrator) resetLocked() {
	o.stopWatchLocked()
	o.state = StateLoggedOut
	o.token = ""
	o.email = ""
	o.name = ""
	o.revision = 0
	o.pin = PinStage{}
	o.fastPath = false
}

func (o *Orchestrator) recordLocked() devicetrust.SessionRecord {
	return devicetrust.SessionRecord{Token: o.token, Email: o.email, Name: o.name, Revision: o.revision}
}

func (o *Orchestrator) startWatchLocked(gen uint64) {
	if o.watcher == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.stopWatch = cancel
	o.watchDone = done
	token := o.token
	go func() {
		defer close(done)
		reason := o.watcher.Run(ctx, token, o.knownRevision)
		if reason != nil && ctx.Err() == nil {
			o.invalidate(ctx, gen, reason)
		}
	}()
}

func (o *Orchestrator) stopWatchLocked() {
	if o.stopWatch != nil {
		o.stopWatch()
		o.stopWatch = nil
	}
}

func (o *Orchestrator) knownRevision() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.revision
}

// checkTrust re-validates a remembered device when no usable session is
// left, by authorizing a throwaway caller token. Stale trust is cleared.
// Transport failures leave it to the watermark check of the next Login.
func (o *Orchestrator) checkTrust(ctx context.Context, gen uint64, email string) {
	if !o.trust.Get(email) {
		return
	}
	token, err := o.backend.IssueAnonymous(ctx)
	if err != nil {
		return
	}
	resp, err := o.backend.Authorize(ctx, token, email)
	o.revoke(ctx, token)

	var stale bool
	switch {
	case err == nil:
		wm, ok := o.trust.Watermark(email)
		stale = !resp.HasPin || !ok || wm != resp.Revision
	case errors.Is(err, autherr.ErrNotAuthorized), errors.Is(err, autherr.ErrSuspended):
		stale = true
	default:
		return
	}
	if !stale {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.state != StateLoggedOut {
		return
	}
	o.logger.Info("remembered device is stale", slog.String("email", email))
	o.forgetLocked(email)
}

func (o *Orchestrator) revoke(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()
	if err := o.backend.Logout(ctx, token); err != nil {
		o.logger.Debug("revoke caller token", slog.Any("error", err))
	}
}

func (o *Orchestrator) persist(what string, err error) {
	if err != nil {
		o.logger.Warn("device state not saved", slog.String("op", what), slog.Any("error", err))
	}
}

// invalidates reports whether a server error means the session is gone.
func invalidates(err error) bool {
	return errors.Is(err, autherr.ErrSessionInvalidated) ||
		errors.Is(err, autherr.ErrSuspended) ||
		errors.Is(err, autherr.ErrInvalidToken) ||
		errors.Is(err, autherr.ErrNoPendingIdentity)
}
