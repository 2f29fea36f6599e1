package server

import (
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-core/storage"
)

// Error kinds. The text of each sentinel is the OAuth error code it maps
// to, except ErrInvalidRedirectURI which is never sent to a redirect URI.
var (
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrInvalidClient           = errors.New("invalid_client")
	ErrInvalidGrant            = errors.New("invalid_grant")
	ErrUnauthorizedClient      = errors.New("unauthorized_client")
	ErrInvalidScope            = errors.New("invalid_scope")
	ErrInvalidRedirectURI      = errors.New("invalid_redirect_uri")
	ErrUnsupportedGrantType    = errors.New("unsupported_grant_type")
	ErrUnsupportedResponseType = errors.New("unsupported_response_type")
	ErrAccessDenied            = errors.New("access_denied")
	ErrServerError             = errors.New("server_error")
)

// Error is a protocol error raised by the server.
type Error struct {
	// Kind is one of the Err* sentinels.
	Kind error

	// Description is safe to show to the client.
	Description string

	// Err is the underlying cause, if any. It is never shown to the client.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

func wrapError(kind, err error, description string) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

// internalError wraps a storage or infrastructure failure.
func internalError(err error, description string) *Error {
	return wrapError(ErrServerError, err, description)
}

// issueError wraps a failed token issuance. A client removed since it
// authenticated is reported as invalid_client.
func issueError(err error, description string) *Error {
	if errors.Is(err, storage.ErrClientNotFound) {
		return wrapError(ErrInvalidClient, err, "client is no longer registered")
	}
	return internalError(err, description)
}

// ErrorKind returns the kind of a server error, ErrServerError for any
// other non-nil error, and nil for nil.
func ErrorKind(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrServerError
}

// ErrorDescription returns the client-safe description of err.
func ErrorDescription(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description
	}
	return ""
}
