package sessiontrust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/devicetrust"
	"github.com/diegous2023/gestorgastos/internal/invalidation"
)

type harness struct {
	backend     *fakeBackend
	watcher     *fakeWatcher
	trust       *devicetrust.Store
	o           *Orchestrator
	invalidated chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:     newFakeBackend(),
		watcher:     newFakeWatcher(),
		trust:       devicetrust.NewMemory(),
		invalidated: make(chan error, 4),
	}
	h.o = New(h.backend, h.trust,
		WithWatcher(h.watcher),
		OnInvalidated(func(reason error) { h.invalidated <- reason }),
	)
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) expectState(t *testing.T, want State) Snapshot {
	t.Helper()
	snap := h.o.Snapshot()
	if snap.State != want {
		t.Fatalf("expected state %s, got %s", want, snap.State)
	}
	return snap
}

func (h *harness) waitInvalidated(t *testing.T) error {
	t.Helper()
	select {
	case reason := <-h.invalidated:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not invalidated")
		return nil
	}
}

// activate logs email in with pin and optionally remembers the device.
func (h *harness) activate(t *testing.T, email, pin string, remember bool) {
	t.Helper()
	ctx := context.Background()
	if err := h.o.Login(ctx, email); err != nil {
		t.Fatalf("login: %v", err)
	}
	snap := h.o.Snapshot()
	var err error
	switch snap.State {
	case StateActive:
		return
	case StatePinPending:
		if snap.Pin.Mode == PinModeCreate {
			err = h.o.CreatePin(ctx, pin, pin, remember)
		} else {
			err = h.o.VerifyPin(ctx, pin, remember)
		}
	}
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	h.expectState(t, StateActive)
}

func TestLoginRejections(t *testing.T) {
	cases := []struct {
		name  string
		email string
		want  error
	}{
		{name: "unknown", email: "nobody@x.com", want: autherr.ErrNotAuthorized},
		{name: "suspended without pin", email: "sus@x.com", want: autherr.ErrSuspended},
		{name: "suspended with pin", email: "suspin@x.com", want: autherr.ErrSuspended},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.backend.addRow("sus@x.com", "Sus", "suspended", "")
			h.backend.addRow("suspin@x.com", "Sus", "suspended", "1234")

			if err := h.o.Login(context.Background(), tc.email); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			h.expectState(t, StateLoggedOut)
			if len(h.backend.logouts) != 1 {
				t.Fatalf("rejected caller token should be revoked")
			}
		})
	}
}

func TestLoginTransportFailureStaysLoggedOut(t *testing.T) {
	h := newHarness(t)
	h.backend.issueErr = autherr.ErrTransport
	if err := h.o.Login(context.Background(), "a@x.com"); !errors.Is(err, autherr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	h.expectState(t, StateLoggedOut)
}

func TestLoginTwiceIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "")
	ctx := context.Background()
	if err := h.o.Login(ctx, "a@x.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := h.o.Login(ctx, "a@x.com"); !errors.Is(err, autherr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCreatePinFlow(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "")
	ctx := context.Background()

	if err := h.o.Login(ctx, "A@x.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	snap := h.expectState(t, StatePinPending)
	want := PinStage{Required: true, HasPin: false, Verified: false, Mode: PinModeCreate}
	if snap.Pin != want {
		t.Fatalf("unexpected pin stage %+v", snap.Pin)
	}
	if err := h.o.VerifyPin(ctx, "0000", false); !errors.Is(err, autherr.ErrInvalidState) {
		t.Fatalf("verify must not be allowed before a PIN exists, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.o.CreatePin(ctx, "12a", "12a", false); !errors.Is(err, autherr.ErrInvalidPinFormat) {
			t.Fatalf("attempt %d: expected invalid format, got %v", i, err)
		}
	}
	if r := h.backend.row("a@x.com"); r.pin != "" || r.revision != 1 {
		t.Fatalf("rejected PIN must not touch the row: %+v", r)
	}
	h.expectState(t, StatePinPending)

	if err := h.o.CreatePin(ctx, "0000", "0001", false); !errors.Is(err, autherr.ErrPinConfirmation) {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	if h.backend.credentials != 2 {
		t.Fatalf("confirmation mismatch must not reach the server")
	}

	if err := h.o.CreatePin(ctx, "0000", "0000", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap = h.expectState(t, StateActive)
	if !snap.Pin.Verified || !snap.Pin.HasPin || snap.Revision != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.trust.Get("a@x.com") {
		t.Fatalf("device must not be remembered without consent")
	}
	if rec, ok := h.trust.Session(); !ok || rec.Revision != 2 {
		t.Fatalf("active session should be persisted: %+v %v", rec, ok)
	}
}

func TestVerifyPinRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "")
	h.activate(t, "a@x.com", "1234", false)
	if err := h.o.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}

	ctx := context.Background()
	if err := h.o.Login(ctx, "a@x.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if snap := h.expectState(t, StatePinPending); snap.Pin.Mode != PinModeVerify || !snap.Pin.HasPin {
		t.Fatalf("expected verify stage, got %+v", snap.Pin)
	}
	if err := h.o.VerifyPin(ctx, "9999", false); !errors.Is(err, autherr.ErrPinMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	h.expectState(t, StatePinPending)
	if err := h.o.VerifyPin(ctx, "1234", false); err != nil {
		t.Fatalf("verify: %v", err)
	}
	h.expectState(t, StateActive)
}

func TestCredentialTransportErrorKeepsStage(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "1234")
	ctx := context.Background()
	if err := h.o.Login(ctx, "a@x.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	h.backend.credentialErr = autherr.ErrTransport
	if err := h.o.VerifyPin(ctx, "1234", false); !errors.Is(err, autherr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	h.expectState(t, StatePinPending)
}

func TestRememberedDeviceFastPath(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "")
	h.activate(t, "a@x.com", "1234", true)
	if !h.trust.Get("a@x.com") {
		t.Fatalf("device should be remembered")
	}
	if wm, _ := h.trust.Watermark("a@x.com"); wm != 2 {
		t.Fatalf("expected watermark 2, got %d", wm)
	}

	ctx := context.Background()
	h.o.Logout(ctx)
	if !h.trust.Get("a@x.com") {
		t.Fatalf("logout must keep device trust")
	}

	calls := h.backend.credentials
	if err := h.o.Login(ctx, "a@x.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	snap := h.expectState(t, StateActive)
	if !snap.FastPath {
		t.Fatalf("expected fast path")
	}
	if h.backend.credentials != calls {
		t.Fatalf("fast path must not call the credential service")
	}
}

func TestStaleWatermarkRequiresPin(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("user@example.com", "User", "active", "")
	h.activate(t, "user@example.com", "1234", true)
	ctx := context.Background()
	h.o.Logout(ctx)

	// The administrator replaces the PIN while nobody is listening.
	h.backend.adminUpdate("user@example.com", func(r *fakeRow) { r.pin = "5678" })

	if err := h.o.Login(ctx, "user@example.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	snap := h.expectState(t, StatePinPending)
	if snap.FastPath || snap.Pin.Mode != PinModeVerify {
		t.Fatalf("stale trust must not skip the PIN: %+v", snap)
	}
	if h.trust.Get("user@example.com") {
		t.Fatalf("stale trust must be cleared")
	}
	if _, ok := h.trust.Watermark("user@example.com"); ok {
		t.Fatalf("stale watermark must be cleared")
	}
}

func TestSingleSlotTrust(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("user@example.com", "User", "active", "")
	h.backend.addRow("other@example.com", "Other", "active", "")
	h.activate(t, "user@example.com", "1234", true)
	ctx := context.Background()
	h.o.Logout(ctx)

	if err := h.o.Login(ctx, "other@example.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if h.trust.Get("user@example.com") {
		t.Fatalf("logging in as another identity must drop the remembered one")
	}
	if _, ok := h.trust.Watermark("user@example.com"); ok {
		t.Fatalf("watermark of the dropped identity must go too")
	}
}

func TestWatcherInvalidatesActiveSession(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "")
	h.activate(t, "a@x.com", "1234", true)
	token := <-h.watcher.started

	h.watcher.reasons <- invalidation.ErrSuspended
	if reason := h.waitInvalidated(t); reason != invalidation.ErrSuspended {
		t.Fatalf("unexpected reason %v", reason)
	}
	if got := h.backend.revoked(); len(got) != 1 || got[0] != token {
		t.Fatalf("invalidated token %s must be revoked, got %v", token, got)
	}
	snap := h.expectState(t, StateLoggedOut)
	if snap.Email != "" || snap.Pin != (PinStage{}) {
		t.Fatalf("session state must be cleared: %+v", snap)
	}
	if h.trust.Get("a@x.com") {
		t.Fatalf("invalidation must clear device trust")
	}
	if _, ok := h.trust.Watermark("a@x.com"); ok {
		t.Fatalf("invalidation must clear the watermark")
	}
	if _, ok := h.trust.Session(); ok {
		t.Fatalf("invalidation must clear the persisted session")
	}
}

func TestInvalidationWinsOverInflightPin(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "1234")
	ctx := context.Background()
	if err := h.o.Login(ctx, "a@x.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	h.backend.entered = make(chan struct{})
	h.backend.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.o.VerifyPin(ctx, "1234", true) }()
	<-h.backend.entered

	h.watcher.reasons <- invalidation.ErrPinChanged
	h.waitInvalidated(t)
	h.expectState(t, StateLoggedOut)

	close(h.backend.release)
	if err := <-done; !errors.Is(err, autherr.ErrSessionInvalidated) {
		t.Fatalf("late PIN success must be discarded, got %v", err)
	}
	h.expectState(t, StateLoggedOut)
	if h.trust.Get("a@x.com") {
		t.Fatalf("discarded PIN success must not remember the device")
	}
}

func TestServerSideInvalidationDuringPin(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "1234")
	ctx := context.Background()
	if err := h.o.Login(ctx, "a@x.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	h.backend.credentialErr = autherr.ErrSessionInvalidated
	if err := h.o.VerifyPin(ctx, "1234", false); !errors.Is(err, autherr.ErrSessionInvalidated) {
		t.Fatalf("expected session invalidated, got %v", err)
	}
	h.waitInvalidated(t)
	h.expectState(t, StateLoggedOut)
}

func TestLogoutStopsWatcherAndRevokes(t *testing.T) {
	h := newHarness(t)
	h.backend.addRow("a@x.com", "Ana", "active", "")
	h.activate(t, "a@x.com", "1234", false)
	token := <-h.watcher.started

	if err := h.o.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	h.expectState(t, StateLoggedOut)
	if got := h.backend.logouts; len(got) != 1 || got[0] != token {
		t.Fatalf("expected %s to be revoked, got %v", token, got)
	}
	// A reason arriving after logout belongs to a dead generation.
	h.watcher.reasons <- invalidation.ErrRowChanged
	select {
	case <-h.invalidated:
		t.Fatalf("logout must not be followed by an invalidation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResume(t *testing.T) {
	cases := []struct {
		name       string
		mutate     func(h *harness)
		wantErr    error
		wantState  State
		keepTrust  bool
		keepRecord bool
	}{
		{name: "unchanged", wantState: StateActive, keepTrust: true, keepRecord: true},
		{
			name:    "pin changed while away",
			mutate:  func(h *harness) { h.backend.adminUpdate("a@x.com", func(r *fakeRow) { r.pin = "" }) },
			wantErr: invalidation.ErrRowChanged, wantState: StateLoggedOut,
		},
		{
			name:    "suspended while away",
			mutate:  func(h *harness) { h.backend.adminUpdate("a@x.com", func(r *fakeRow) { r.status = "suspended" }) },
			wantErr: invalidation.ErrSuspended, wantState: StateLoggedOut,
		},
		{
			name: "removed while away",
			mutate: func(h *harness) {
				h.backend.mu.Lock()
				delete(h.backend.rows, "a@x.com")
				h.backend.mu.Unlock()
			},
			wantErr: invalidation.ErrRowDeleted, wantState: StateLoggedOut,
		},
		{
			name: "token expired",
			mutate: func(h *harness) {
				h.backend.mu.Lock()
				h.backend.sessions = map[string]string{}
				h.backend.mu.Unlock()
			},
			wantErr: invalidation.ErrSessionExpired, wantState: StateLoggedOut, keepTrust: true,
		},
		{
			name: "token expired and pin reset while away",
			mutate: func(h *harness) {
				h.backend.mu.Lock()
				h.backend.sessions = map[string]string{}
				h.backend.mu.Unlock()
				h.backend.adminUpdate("a@x.com", func(r *fakeRow) { r.pin = "" })
			},
			wantErr: invalidation.ErrSessionExpired, wantState: StateLoggedOut,
		},
		{
			name: "token expired and suspended while away",
			mutate: func(h *harness) {
				h.backend.mu.Lock()
				h.backend.sessions = map[string]string{}
				h.backend.mu.Unlock()
				h.backend.adminUpdate("a@x.com", func(r *fakeRow) { r.status = "suspended" })
			},
			wantErr: invalidation.ErrSessionExpired, wantState: StateLoggedOut,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.backend.addRow("a@x.com", "Ana", "active", "")
			h.activate(t, "a@x.com", "1234", true)
			// Simulate a restart: a new orchestrator over the same store.
			h.o.Close()
			h.o = New(h.backend, h.trust, WithWatcher(h.watcher),
				OnInvalidated(func(reason error) { h.invalidated <- reason }))
			t.Cleanup(h.o.Close)
			if tc.mutate != nil {
				tc.mutate(h)
			}

			err := h.o.Resume(context.Background())
			if err != tc.wantErr {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			h.expectState(t, tc.wantState)
			if got := h.trust.Get("a@x.com"); got != tc.keepTrust {
				t.Fatalf("device trust = %v, want %v", got, tc.keepTrust)
			}
			if _, got := h.trust.Session(); got != tc.keepRecord {
				t.Fatalf("session record = %v, want %v", got, tc.keepRecord)
			}
		})
	}
}

func TestResumeOfflineKeepsRecord(t *testing.T) {
	h := newHarness(t)
	h.trust.SaveSession(devicetrust.SessionRecord{Token: "tok-9", Email: "a@x.com", Revision: 3})
	o := New(offlineBackend{h.backend}, h.trust, WithWatcher(h.watcher))
	defer o.Close()

	if err := o.Resume(context.Background()); !errors.Is(err, autherr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, ok := h.trust.Session(); !ok {
		t.Fatalf("offline resume must keep the persisted session")
	}
	if o.Snapshot().State != StateLoggedOut {
		t.Fatalf("offline resume must not activate")
	}
}

func TestResumeWithoutRecord(t *testing.T) {
	h := newHarness(t)
	if err := h.o.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.expectState(t, StateLoggedOut)
}

type offlineBackend struct{ *fakeBackend }

func (offlineBackend) Revision(ctx context.Context, token string) (api.RevisionResponse, error) {
	return api.RevisionResponse{}, autherr.ErrTransport
}
