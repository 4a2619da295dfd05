// Package api holds the JSON bodies exchanged between the session client and
// the identity server.
package api

import "time"

const (
	ActionCreate = "create"
	ActionVerify = "verify"
)

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type AnonymousTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

type AuthorizeRequest struct {
	Email string `json:"email"`
}

// AuthorizeResponse keeps the camelCase hasPin field existing clients read;
// every other body uses snake_case.
type AuthorizeResponse struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	HasPin   bool   `json:"hasPin"`
	Revision int64  `json:"revision"`
}

type CredentialRequest struct {
	Email  string `json:"email"`
	Pin    string `json:"pin"`
	Action string `json:"action"`
}

type CredentialResponse struct {
	Success  bool  `json:"success"`
	Revision int64 `json:"revision"`
}

type RevisionResponse struct {
	Email    string `json:"email"`
	Revision int64  `json:"revision"`
	Status   string `json:"status"`
	HasPin   bool   `json:"has_pin"`
}

// RowImage is the part of a Ledger row published on the change stream.
// The PIN itself never leaves the server; PinFingerprint changes whenever
// the stored PIN changes.
type RowImage struct {
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	HasPin         bool      `json:"has_pin"`
	PinFingerprint string    `json:"pin_fingerprint,omitempty"`
	Revision       int64     `json:"revision"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChangeEvent describes one write to a Ledger row. Old is nil for inserts,
// New is nil for deletes. Origin tags writes made on behalf of a session.
type ChangeEvent struct {
	Email  string    `json:"email"`
	Old    *RowImage `json:"old,omitempty"`
	New    *RowImage `json:"new,omitempty"`
	Origin string    `json:"origin,omitempty"`
}

// PinChanged reports whether the event replaced, set or cleared the PIN.
func (e ChangeEvent) PinChanged() bool {
	if e.Old == nil || e.New == nil {
		return true
	}
	return e.Old.PinFingerprint != e.New.PinFingerprint
}

type IdentityResponse struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	HasPin    bool      `json:"has_pin"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AddIdentityRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type UpdateIdentityRequest struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}
