package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/auth"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/ledger"
)

const sessionLocalsKey = "caller_session"

// CallerToken authenticates the bearer caller token and stores its session
// in the request locals. Unbound sessions pass.
func CallerToken(svc *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, err := svc.Authenticate(c.UserContext(), auth.BearerToken(c))
		if err != nil {
			return err
		}
		c.Locals(sessionLocalsKey, sess)
		return c.Next()
	}
}

// Session returns the session stored by CallerToken.
func Session(c *fiber.Ctx) (auth.Session, bool) {
	sess, ok := c.Locals(sessionLocalsKey).(auth.Session)
	return sess, ok
}

// RequireBound rejects sessions the authorization step has not bound yet.
// Must run after CallerToken.
func RequireBound() fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, ok := Session(c)
		if !ok || !sess.Bound() {
			return autherr.ErrNoPendingIdentity
		}
		return c.Next()
	}
}

// RequireSession admits a bound session only while it is still derived from
// the current Ledger row: the row exists, is active, and its revision has not
// moved since the session last saw it. Any drift means the session was
// invalidated and the caller must log in again.
// Must run after CallerToken.
func RequireSession(l ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, ok := Session(c)
		if !ok || !sess.Bound() {
			return autherr.ErrSessionInvalidated
		}
		row, err := l.FindByEmail(c.UserContext(), sess.Email)
		if errors.Is(err, ledger.ErrNotFound) {
			return autherr.ErrSessionInvalidated
		}
		if err != nil {
			return err
		}
		if row.Status != ledger.StatusActive || row.Revision != sess.Revision {
			return autherr.ErrSessionInvalidated
		}
		return c.Next()
	}
}
