// Package autherr defines the error taxonomy shared by the identity server
// and the session client. Each sentinel carries a stable wire code, the HTTP
// status the server answers with, and the message shown to the user.
package autherr

import (
	"errors"
	"net/http"
)

// Kind groups errors by how the caller is expected to react.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindCredential    Kind = "credential"
	KindSession       Kind = "session"
	KindTransport     Kind = "transport"
	KindInternal      Kind = "internal"
)

// Error is a sentinel with a wire representation.
type Error struct {
	Code    string
	Status  int
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrNotAuthorized = &Error{Code: "not_authorized", Status: http.StatusForbidden, Kind: KindAuthorization,
		Message: "this email is not authorized, please contact the administrator"}
	ErrSuspended = &Error{Code: "suspended", Status: http.StatusForbidden, Kind: KindAuthorization,
		Message: "your account has been suspended, contact the administrator"}

	ErrInvalidPinFormat = &Error{Code: "invalid_pin_format", Status: http.StatusBadRequest, Kind: KindCredential,
		Message: "PIN must be exactly 4 digits"}
	ErrNoPinConfigured = &Error{Code: "no_pin_configured", Status: http.StatusBadRequest, Kind: KindCredential,
		Message: "no PIN is configured for this account"}
	ErrPinMismatch = &Error{Code: "pin_mismatch", Status: http.StatusUnauthorized, Kind: KindCredential,
		Message: "incorrect PIN"}
	ErrPinConfirmation = &Error{Code: "pin_confirmation", Status: http.StatusBadRequest, Kind: KindCredential,
		Message: "PINs do not match"}
	ErrTooManyAttempts = &Error{Code: "too_many_attempts", Status: http.StatusTooManyRequests, Kind: KindCredential,
		Message: "too many attempts, try again later"}

	ErrNoPendingIdentity = &Error{Code: "no_pending_identity", Status: http.StatusUnauthorized, Kind: KindSession,
		Message: "no authorized identity for this session, log in again"}
	ErrAlreadyBound = &Error{Code: "already_bound", Status: http.StatusConflict, Kind: KindSession,
		Message: "this session already belongs to another account"}
	ErrInvalidToken = &Error{Code: "invalid_token", Status: http.StatusUnauthorized, Kind: KindSession,
		Message: "session token is missing or invalid"}
	ErrSessionInvalidated = &Error{Code: "session_invalidated", Status: http.StatusUnauthorized, Kind: KindSession,
		Message: "session is no longer valid"}
	ErrInvalidState = &Error{Code: "invalid_state", Status: http.StatusConflict, Kind: KindSession,
		Message: "operation not allowed right now"}

	ErrInvalidRequest = &Error{Code: "invalid_request", Status: http.StatusBadRequest, Kind: KindInternal,
		Message: "invalid request"}
	ErrAdminUnauthorized = &Error{Code: "admin_unauthorized", Status: http.StatusUnauthorized, Kind: KindAuthorization,
		Message: "unauthorized"}
	ErrIdentityExists = &Error{Code: "identity_exists", Status: http.StatusConflict, Kind: KindInternal,
		Message: "an identity with this email already exists"}
	ErrIdentityNotFound = &Error{Code: "identity_not_found", Status: http.StatusNotFound, Kind: KindInternal,
		Message: "identity not found"}
	ErrInternal = &Error{Code: "internal_error", Status: http.StatusInternalServerError, Kind: KindInternal,
		Message: "internal server error"}

	ErrTransport = &Error{Code: "connection_error", Status: http.StatusBadGateway, Kind: KindTransport,
		Message: "connection error, please try again"}
)

var all = []*Error{
	ErrNotAuthorized, ErrSuspended,
	ErrInvalidPinFormat, ErrNoPinConfigured, ErrPinMismatch, ErrPinConfirmation, ErrTooManyAttempts,
	ErrNoPendingIdentity, ErrAlreadyBound, ErrInvalidToken, ErrSessionInvalidated, ErrInvalidState,
	ErrInvalidRequest, ErrAdminUnauthorized, ErrIdentityExists, ErrIdentityNotFound, ErrInternal,
	ErrTransport,
}

// FromCode maps a wire code back to its sentinel. Unknown codes map to ErrInternal.
func FromCode(code string) *Error {
	for _, e := range all {
		if e.Code == code {
			return e
		}
	}
	return ErrInternal
}

// As extracts the sentinel from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Message renders the user-facing line for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Message
	}
	return ErrInternal.Message
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	if e, ok := As(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Code returns the wire code for err, defaulting to internal_error.
func Code(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrInternal.Code
}
