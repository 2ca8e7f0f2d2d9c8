package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures crossing the ingest boundary. Handlers map kinds
// to HTTP statuses; everything else in the package reports plain errors and
// lets the caller decide.
type Kind int

const (
	// KindAuthentication covers bad shared secrets and invalid or expired
	// tokens.
	KindAuthentication Kind = iota + 1
	// KindAuthorization covers session-owner mismatches.
	KindAuthorization
	// KindNotFound covers unknown artifact and session ids.
	KindNotFound
	// KindValidation covers malformed requests: bad chunk counts, chunk
	// numbers out of range, undecodable payloads.
	KindValidation
	// KindStorage covers filesystem failures in the store. Never retried
	// server-side.
	KindStorage
)

// Error is a classified ingest failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Errorf builds a classified error with fmt-style formatting.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from err, or zero for unclassified
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func httpStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
