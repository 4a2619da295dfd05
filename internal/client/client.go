// Package client talks to the identity server on behalf of the session
// orchestrator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
)

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10
)

// Client is an HTTP client for the identity API.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		// Change streams stay open indefinitely; they end with their context.
		stream: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IssueAnonymous obtains a fresh caller token.
func (c *Client) IssueAnonymous(ctx context.Context) (string, error) {
	var resp api.AnonymousTokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/anonymous", "", nil, &resp, nil); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: empty token", autherr.ErrTransport)
	}
	return resp.Token, nil
}

// Logout revokes token on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", token, nil, nil, nil)
}

// Authorize binds email to the session behind token.
func (c *Client) Authorize(ctx context.Context, token, email string) (api.AuthorizeResponse, error) {
	var resp api.AuthorizeResponse
	err := c.do(ctx, http.MethodPost, "/identity/authorize", token, api.AuthorizeRequest{Email: email}, &resp, nil)
	return resp, err
}

// Credential creates or verifies a PIN. Each call carries a fresh
// Idempotency-Key so a transport-level retry is applied once.
func (c *Client) Credential(ctx context.Context, token string, req api.CredentialRequest) (api.CredentialResponse, error) {
	var resp api.CredentialResponse
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	err := c.do(ctx, http.MethodPost, "/identity/pin", token, req, &resp, headers)
	return resp, err
}

// Revision fetches the current revision of the caller's row.
func (c *Client) Revision(ctx context.Context, token string) (api.RevisionResponse, error) {
	var resp api.RevisionResponse
	err := c.do(ctx, http.MethodGet, "/identity/revision", token, nil, &resp, nil)
	return resp, err
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any, headers map[string]string) error {
	req, err := c.newRequest(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", autherr.ErrTransport, err)
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", autherr.ErrTransport, err)
}

// decodeError maps an error response to its sentinel. Server faults and
// unreadable bodies count as transport errors.
func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", autherr.ErrTransport, resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d", autherr.ErrInternal, resp.StatusCode)
	}
	sentinel := autherr.FromCode(body.Code)
	if sentinel == autherr.ErrInternal && resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", autherr.ErrTransport, body.Error)
	}
	return sentinel
}
