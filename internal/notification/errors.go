package notification

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so that the orchestrator, engine and HTTP
// layer agree on retry and status-code behaviour.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindRateLimited
	KindTransientProvider
	KindPermanentProvider
	KindResolution
	KindConfiguration
	KindCancelled
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientProvider:
		return "transient_provider"
	case KindPermanentProvider:
		return "permanent_provider"
	case KindResolution:
		return "resolution"
	case KindConfiguration:
		return "configuration"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error kind onto the REST surface.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransientProvider:
		return http.StatusServiceUnavailable
	case KindPermanentProvider:
		return http.StatusBadRequest
	case KindResolution:
		return http.StatusConflict
	case KindConfiguration:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind alongside the message. Providers and adapters return
// these instead of throwing across boundaries.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error should re-enter the retry loop.
func (e *Error) Retryable() bool { return e.Kind == KindTransientProvider }

// NewError builds a classified error.
func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return KindInternal
}

// IsRetryable reports whether an error chain carries a transient kind.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientProvider
}
