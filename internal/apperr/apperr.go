// Package apperr defines the error kinds shared across the settlement engine.
//
// Domain packages declare their sentinel errors with New so that callers can
// match a specific sentinel with errors.Is and the HTTP layer can map any
// error to a status code with KindOf.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	Internal               Kind = "internal"
	Invalid                Kind = "invalid"
	NotFound               Kind = "not_found"
	InvalidState           Kind = "invalid_state"
	Unauthorized           Kind = "unauthorized"
	AmountOutOfRange       Kind = "amount_out_of_range"
	InsufficientBalance    Kind = "insufficient_balance"
	InsufficientLocked     Kind = "insufficient_locked"
	ExternalServiceFailure Kind = "external_service_failure"
	LedgerCorruption       Kind = "ledger_corruption"
	Conflict               Kind = "conflict"
	EscrowFailure          Kind = "escrow_failure"
)

// Error is a kinded error with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates a kinded sentinel.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Invalid, AmountOutOfRange:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusForbidden
	case InvalidState, Conflict, EscrowFailure:
		return http.StatusConflict
	case InsufficientBalance, InsufficientLocked:
		return http.StatusUnprocessableEntity
	case ExternalServiceFailure:
		return http.StatusBadGateway
	case LedgerCorruption:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}
