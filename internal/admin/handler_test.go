package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/changefeed"
	"github.com/diegous2023/gestorgastos/internal/ledger"
	"github.com/diegous2023/gestorgastos/internal/logging"
	"github.com/diegous2023/gestorgastos/internal/middleware"
	"github.com/diegous2023/gestorgastos/internal/notification"
)

const (
	testPassword = "s3cret"
	adminHeader  = "X-Admin-Password"
)

type fixture struct {
	app      *fiber.App
	ledger   ledger.Ledger
	broker   *changefeed.MemoryBroker
	recorder *notification.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := logging.Discard()
	broker := changefeed.NewMemoryBroker(logger)
	l := changefeed.NewPublishingLedger(ledger.NewInMemory(), broker, logger)
	rec := &notification.Recorder{}
	h := NewHandler(NewService(l, rec))

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logger)})
	g := app.Group("/admin/identities", middleware.RequireAdmin(testPassword))
	g.Get("/", h.List)
	g.Post("/", h.Add)
	g.Patch("/:email", h.Update)
	g.Delete("/:email/pin", h.ResetPIN)
	g.Delete("/:email", h.Delete)
	return fixture{app: app, ledger: l, broker: broker, recorder: rec}
}

func (f fixture) do(t *testing.T, method, path, body, password string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if password != "" {
		req.Header.Set(adminHeader, password)
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, payload
}

func TestAdminRequiresPassword(t *testing.T) {
	f := newFixture(t)
	for _, password := range []string{"", "wrong"} {
		status, body := f.do(t, fiber.MethodGet, "/admin/identities", "", password)
		if status != fiber.StatusUnauthorized {
			t.Fatalf("password %q: expected 401 got %d", password, status)
		}
		var e api.ErrorResponse
		if err := json.Unmarshal(body, &e); err != nil || e.Code != autherr.ErrAdminUnauthorized.Code {
			t.Fatalf("unexpected error body %s", body)
		}
	}
}

func TestAdminAddAndList(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, fiber.MethodPost, "/admin/identities", `{"email":" Ana@X.com ","name":"Ana"}`, testPassword)
	if status != fiber.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", status, body)
	}
	var created api.IdentityResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Email != "ana@x.com" || created.Status != "active" || created.HasPin {
		t.Fatalf("unexpected identity %+v", created)
	}

	if status, _ := f.do(t, fiber.MethodPost, "/admin/identities", `{"email":"ana@x.com","name":"Again"}`, testPassword); status != fiber.StatusConflict {
		t.Fatalf("expected duplicate to conflict, got %d", status)
	}
	if status, _ := f.do(t, fiber.MethodPost, "/admin/identities", `{"email":"not-an-email","name":"X"}`, testPassword); status != fiber.StatusBadRequest {
		t.Fatalf("expected invalid email to fail, got %d", status)
	}

	status, body = f.do(t, fiber.MethodGet, "/admin/identities", "", testPassword)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	var listed struct {
		Identities []api.IdentityResponse `json:"identities"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Identities) != 1 {
		t.Fatalf("expected one identity, got %+v", listed.Identities)
	}
}

func TestAdminWritesArePublished(t *testing.T) {
	f := newFixture(t)
	row := ledger.Seed(f.ledger, "a@x.com", "Ana", ledger.StatusActive, []byte("hash"))

	sub, err := f.broker.Subscribe(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	next := func() api.ChangeEvent {
		t.Helper()
		select {
		case ev := <-sub.Events():
			return ev
		case <-time.After(time.Second):
			t.Fatalf("no change event")
		}
		return api.ChangeEvent{}
	}

	if status, body := f.do(t, fiber.MethodPatch, "/admin/identities/a@x.com", `{"status":"suspended"}`, testPassword); status != fiber.StatusOK {
		t.Fatalf("suspend: %d %s", status, body)
	}
	ev := next()
	if ev.Old.Status != "active" || ev.New.Status != "suspended" || ev.New.Revision != row.Revision+1 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.PinChanged() {
		t.Fatalf("status change must not look like a PIN change")
	}

	if status, _ := f.do(t, fiber.MethodDelete, "/admin/identities/a@x.com/pin", "", testPassword); status != fiber.StatusOK {
		t.Fatalf("reset pin: %d", status)
	}
	ev = next()
	if !ev.PinChanged() || ev.New.HasPin {
		t.Fatalf("expected PIN cleared event, got %+v", ev)
	}

	if status, _ := f.do(t, fiber.MethodDelete, "/admin/identities/a@x.com", "", testPassword); status != fiber.StatusNoContent {
		t.Fatalf("delete: %d", status)
	}
	ev = next()
	if ev.New != nil || ev.Old == nil {
		t.Fatalf("expected delete event, got %+v", ev)
	}

	want := []string{notification.KindStatusChanged, notification.KindPinReset, notification.KindIdentityRemoved}
	got := f.recorder.Kinds()
	if len(got) != len(want) {
		t.Fatalf("unexpected notifications %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected notifications %v", got)
		}
	}
}

func TestAdminUpdateValidation(t *testing.T) {
	f := newFixture(t)
	ledger.Seed(f.ledger, "a@x.com", "Ana", ledger.StatusActive, nil)

	cases := []struct {
		body   string
		status int
	}{
		{body: `{"status":"banned"}`, status: fiber.StatusBadRequest},
		{body: `{}`, status: fiber.StatusBadRequest},
		{body: `{"name":"Ana Maria"}`, status: fiber.StatusOK},
	}
	for _, tc := range cases {
		if status, body := f.do(t, fiber.MethodPatch, "/admin/identities/a@x.com", tc.body, testPassword); status != tc.status {
			t.Fatalf("%s: expected %d got %d (%s)", tc.body, tc.status, status, body)
		}
	}
	if status, _ := f.do(t, fiber.MethodPatch, "/admin/identities/zz@x.com", `{"name":"Z"}`, testPassword); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown identity, got %d", status)
	}
}
