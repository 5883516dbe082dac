// Package apperr defines the closed set of failure kinds surfaced by the
// settlement core and their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuth                Kind = "auth"
	KindRateLimited         Kind = "rate_limited"
	KindLocked              Kind = "locked"
	KindNotFound            Kind = "not_found"
	KindVerification        Kind = "verification"
	KindStateConflict       Kind = "state_conflict"
	KindSettlement          Kind = "settlement"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
)

// Error carries a kind plus the optional hints callers need to render a
// response (retry delay, verification reason, remaining attempts).
type Error struct {
	Kind              Kind
	Code              string
	Message           string
	RetryAfter        time.Duration
	AttemptsRemaining int
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and, when set on the target, by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func E(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func Validation(code, msg string) *Error { return E(KindValidation, code, msg) }

func Auth(code string) *Error { return E(KindAuth, code, "authentication failed") }

func NotFound(msg string) *Error { return E(KindNotFound, "not_found", msg) }

func StateConflict(msg string) *Error { return E(KindStateConflict, "state_conflict", msg) }

func Verification(reason, msg string) *Error { return E(KindVerification, reason, msg) }

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Code: "rate_limited", Message: "too many requests", RetryAfter: retryAfter}
}

func Locked(retryAfter time.Duration) *Error {
	return &Error{Kind: KindLocked, Code: "locked", Message: "too many failed attempts", RetryAfter: retryAfter}
}

func Settlement(msg string, err error) *Error {
	return Wrap(KindSettlement, "settlement_failed", msg, err)
}

func Upstream(msg string, err error) *Error {
	return Wrap(KindUpstreamUnavailable, "upstream_unavailable", msg, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindLocked, KindUpstreamUnavailable:
		return true
	}
	return false
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindLocked:
		return http.StatusLocked
	case KindNotFound:
		return http.StatusNotFound
	case KindVerification:
		return http.StatusUnprocessableEntity
	case KindStateConflict:
		return http.StatusConflict
	case KindSettlement:
		return http.StatusBadGateway
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
