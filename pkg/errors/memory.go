package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

/*
Kind classifies a failure so that the boundary layers can map it onto a
status code without inspecting messages.
*/
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUpstream
	KindConsistency
	KindUnavailable
	KindUnauthorized
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindConsistency:
		return "consistency"
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

/*
MemoryError is the error type returned by every layer of the memory kernel.
Code is the status code reported in the response envelope.
*/
type MemoryError struct {
	Kind    Kind   `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Err     error  `json:"-"`
}

/*
Error implements the error interface for MemoryError.
*/
func (e *MemoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *MemoryError) Unwrap() error {
	return e.Err
}

/*
Is reports whether target is a MemoryError of the same kind, so that
errors.Is(err, ErrNotFound) matches any not-found error regardless of message.
*/
func (e *MemoryError) Is(target error) bool {
	t, ok := target.(*MemoryError)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

var (
	ErrValidation   = &MemoryError{Kind: KindValidation, Code: http.StatusBadRequest, Message: "invalid request"}
	ErrNotFound     = &MemoryError{Kind: KindNotFound, Code: http.StatusNotFound, Message: "not found"}
	ErrUpstream     = &MemoryError{Kind: KindUpstream, Code: http.StatusBadGateway, Message: "upstream failure"}
	ErrConsistency  = &MemoryError{Kind: KindConsistency, Code: http.StatusInternalServerError, Message: "consistency violation"}
	ErrUnavailable  = &MemoryError{Kind: KindUnavailable, Code: http.StatusServiceUnavailable, Message: "service unavailable"}
	ErrUnauthorized = &MemoryError{Kind: KindUnauthorized, Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrRateLimited  = &MemoryError{Kind: KindRateLimited, Code: http.StatusTooManyRequests, Message: "rate limit exceeded"}
	ErrInternal     = &MemoryError{Kind: KindInternal, Code: http.StatusInternalServerError, Message: "internal error"}
)

// WithMessagef creates a *copy* of a MemoryError with a formatted message.
// The package level sentinels are never modified.
func (e *MemoryError) WithMessagef(format string, args ...any) *MemoryError {
	newErr := *e
	newErr.Message = fmt.Sprintf(format, args...)
	return &newErr
}

// Wrap returns a copy of the error carrying cause.
func (e *MemoryError) Wrap(cause error) *MemoryError {
	newErr := *e
	newErr.Err = cause
	return &newErr
}

// WithData returns a copy of the error carrying data for the envelope.
func (e *MemoryError) WithData(data any) *MemoryError {
	newErr := *e
	newErr.Data = data
	return &newErr
}

/*
As extracts the first MemoryError in err's chain.
*/
func As(err error) (*MemoryError, bool) {
	var merr *MemoryError

	if stderrors.As(err, &merr) {
		return merr, true
	}

	return nil, false
}

/*
KindOf returns the kind of err, treating foreign errors as internal.
*/
func KindOf(err error) Kind {
	if merr, ok := As(err); ok {
		return merr.Kind
	}

	return KindInternal
}

/*
StatusCode maps err onto the envelope code.
*/
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}

	if merr, ok := As(err); ok && merr.Code != 0 {
		return merr.Code
	}

	return http.StatusInternalServerError
}

/*
Upstream wraps a failure of an external collaborator. Errors that already
carry a kind are returned unchanged.
*/
func Upstream(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	if _, ok := As(err); ok {
		return err
	}

	return ErrUpstream.WithMessagef(format, args...).Wrap(err)
}

func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return stderrors.Is(err, ErrValidation)
}

func IsUpstream(err error) bool {
	return stderrors.Is(err, ErrUpstream)
}
