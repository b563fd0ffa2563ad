// Package apperr carries the pipeline error taxonomy. Inner layers
// wrap with %w as usual; the HTTP boundary maps a Kind to a status
// code and a stable error code, never leaking provider credentials or
// internals to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindAccountDisabled
	KindPermissionDenied
	KindNotFound
	KindValidation
	KindPluginNotFound
	KindToolFailed
	KindUpstreamUnavailable
	KindProviderAuth
	KindIterationBudget
	KindConflict
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is matching against another *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err carries no
// taxonomy information.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Code returns the stable error code sent to clients.
func (e *Error) Code() string {
	switch e.Kind {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAccountDisabled:
		return "account_disabled"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindPluginNotFound:
		return "plugin_not_found"
	case KindToolFailed:
		return "tool_failed"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindProviderAuth:
		return "provider_auth_error"
	case KindIterationBudget:
		return "iteration_budget_exceeded"
	case KindConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error kind to a response status code. NotFound
// and PermissionDenied on resource lookups both hide existence, so
// resource guards always raise NotFound for missing-or-forbidden.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAccountDisabled, KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound, KindPluginNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message safe to surface to clients.
// Provider auth failures are masked.
func ClientMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Kind == KindProviderAuth {
		return "the configured model provider rejected the request"
	}
	return e.Message
}
