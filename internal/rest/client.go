// Package rest talks to the SOAR server's REST API. Every org-scoped call
// is rooted at /rest/orgs/{org_id}; authentication is either an API key
// pair sent as basic auth or an email/password session.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Client is the REST surface the rest of the process depends on. Paths are
// relative to the org root, e.g. "/actions" or "/types/incident/fields".
type Client interface {
	// Connect authenticates and resolves the org id. Safe to call again
	// after Reset.
	Connect(ctx context.Context) error

	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
	Patch(ctx context.Context, path string, patch, out any) error
	Delete(ctx context.Context, path string, out any) error

	// PostAttachment uploads content as a multipart attachment.
	PostAttachment(ctx context.Context, path, filename string, content io.Reader, out any) error

	// OrgID returns the resolved org id. Zero until Connect succeeds.
	OrgID() int

	// Reset discards the session so the next call re-authenticates.
	Reset()
}

// HTTPError is returned for any non-2xx response that survives retries.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 401
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 404
}
