package sessiontrust

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
)

var fourDigits = regexp.MustCompile(`^[0-9]{4}$`)

type fakeRow struct {
	name     string
	status   string
	pin      string
	revision int64
}

// fakeBackend mimics the identity server closely enough to drive the
// orchestrator without HTTP.
type fakeBackend struct {
	mu          sync.Mutex
	rows        map[string]*fakeRow
	sessions    map[string]string
	nextToken   int
	logouts     []string
	credentials int

	issueErr      error
	credentialErr error
	// When set, Credential signals entered and then blocks until release
	// is closed.
	entered chan struct{}
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: map[string]*fakeRow{}, sessions: map[string]string{}}
}

func (f *fakeBackend) addRow(email, name, status, pin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[email] = &fakeRow{name: name, status: status, pin: pin, revision: 1}
}

// adminUpdate changes a row the way an administrator would.
func (f *fakeBackend) adminUpdate(email string, fn func(r *fakeRow)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[email]
	fn(r)
	r.revision++
}

func (f *fakeBackend) row(email string) fakeRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[email]
}

func (f *fakeBackend) revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logouts...)
}

func (f *fakeBackend) IssueAnonymous(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return "", f.issueErr
	}
	f.nextToken++
	tok := fmt.Sprintf("tok-%d", f.nextToken)
	f.sessions[tok] = ""
	return tok, nil
}

func (f *fakeBackend) Logout(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, token)
	delete(f.sessions, token)
	return nil
}

func (f *fakeBackend) Authorize(ctx context.Context, token, email string) (api.AuthorizeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[token]; !ok {
		return api.AuthorizeResponse{}, autherr.ErrSessionInvalidated
	}
	email = strings.ToLower(strings.TrimSpace(email))
	r, ok := f.rows[email]
	if !ok {
		return api.AuthorizeResponse{}, autherr.ErrNotAuthorized
	}
	if r.status != "active" {
		return api.AuthorizeResponse{}, autherr.ErrSuspended
	}
	f.sessions[token] = email
	return api.AuthorizeResponse{Email: email, Name: r.name, HasPin: r.pin != "", Revision: r.revision}, nil
}

func (f *fakeBackend) Credential(ctx context.Context, token string, req api.CredentialRequest) (api.CredentialResponse, error) {
	f.mu.Lock()
	f.credentials++
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credentialErr != nil {
		return api.CredentialResponse{}, f.credentialErr
	}
	if !fourDigits.MatchString(req.Pin) {
		return api.CredentialResponse{}, autherr.ErrInvalidPinFormat
	}
	email, ok := f.sessions[token]
	if !ok || email == "" || email != req.Email {
		return api.CredentialResponse{}, autherr.ErrNoPendingIdentity
	}
	r := f.rows[email]
	switch req.Action {
	case api.ActionCreate:
		r.pin = req.Pin
		r.revision++
	case api.ActionVerify:
		if r.pin == "" {
			return api.CredentialResponse{}, autherr.ErrNoPinConfigured
		}
		if r.pin != req.Pin {
			return api.CredentialResponse{}, autherr.ErrPinMismatch
		}
	}
	return api.CredentialResponse{Success: true, Revision: r.revision}, nil
}

func (f *fakeBackend) Revision(ctx context.Context, token string) (api.RevisionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.sessions[token]
	if !ok {
		return api.RevisionResponse{}, autherr.ErrSessionInvalidated
	}
	r, ok := f.rows[email]
	if !ok {
		return api.RevisionResponse{}, autherr.ErrIdentityNotFound
	}
	return api.RevisionResponse{Email: email, Revision: r.revision, Status: r.status, HasPin: r.pin != ""}, nil
}

// fakeWatcher returns whatever reason is pushed to it.
type fakeWatcher struct {
	reasons chan error
	started chan string
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{reasons: make(chan error, 1), started: make(chan string, 32)}
}

func (w *fakeWatcher) Run(ctx context.Context, token string, known func() int64) error {
	w.started <- token
	select {
	case <-ctx.Done():
		return nil
	case reason := <-w.reasons:
		return reason
	}
}
