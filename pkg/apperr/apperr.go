// Package apperr defines the error taxonomy shared by
// every relay component and its mapping onto HTTP status
// codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for the request-facing layer.
type Kind int // A

const ( // A
	KindInternal Kind = iota
	KindInvalidInput
	KindInvalidSignature
	KindNotFound
	KindConflict
	KindForbidden
	KindUnavailable
)

// String returns the textual kind name.
func (k Kind) String() string { // A
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code used for the kind.
func (k Kind) HTTPStatus() int { // A
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotFound         = errors.New("not found")

	ErrHandleTaken        = errors.New("handle taken")
	ErrHandleReserved     = errors.New("handle reserved")
	ErrHandleAlreadyOwned = errors.New("identity already owns a handle")
	ErrEpochOutOfOrder    = errors.New("epoch out of order")
	ErrEpochConflict      = errors.New("epoch conflict")
	ErrStaleWrite         = errors.New("stale write")

	ErrInsufficientTrajectory = errors.New(
		"insufficient proof of trajectory",
	)

	ErrUnavailable = errors.New("unavailable")
)

var kinds = []struct { // A
	err  error
	kind Kind
}{
	{ErrInvalidInput, KindInvalidInput},
	{ErrInvalidSignature, KindInvalidSignature},
	{ErrNotFound, KindNotFound},
	{ErrHandleTaken, KindConflict},
	{ErrHandleReserved, KindConflict},
	{ErrHandleAlreadyOwned, KindConflict},
	{ErrEpochOutOfOrder, KindConflict},
	{ErrEpochConflict, KindConflict},
	{ErrStaleWrite, KindConflict},
	{ErrInsufficientTrajectory, KindForbidden},
	{ErrUnavailable, KindUnavailable},
}

// KindOf reports the kind of err. Errors that wrap none of
// the sentinels are internal.
func KindOf(err error) Kind { // A
	if err == nil {
		return KindInternal
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Code returns the most specific sentinel name for err,
// used as the machine readable error code in responses.
func Code(err error) string { // A
	switch {
	case errors.Is(err, ErrHandleTaken):
		return "handle_taken"
	case errors.Is(err, ErrHandleReserved):
		return "handle_reserved"
	case errors.Is(err, ErrHandleAlreadyOwned):
		return "handle_already_owned"
	case errors.Is(err, ErrEpochOutOfOrder):
		return "epoch_out_of_order"
	case errors.Is(err, ErrEpochConflict):
		return "epoch_conflict"
	case errors.Is(err, ErrStaleWrite):
		return "stale_write"
	case errors.Is(err, ErrInsufficientTrajectory):
		return "insufficient_trajectory"
	default:
		return KindOf(err).String()
	}
}
