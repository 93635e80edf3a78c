// Package apierr resolves errors to the HTTP surface: a status code plus the
// stable wire code from the provenance taxonomy. Handlers never pick status
// codes themselves; they hand every domain error to FromError.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spicetrace/spicetrace-backend/internal/proverr"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// FromError resolves any error to an HTTP-mappable Error. An *Error anywhere
// in the chain passes through as-is; provenance taxonomy errors get their
// wire status; everything else is treated as a caller mistake.
func FromError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	code := proverr.Code(err)
	return New(statusFor(code), code, err)
}

func statusFor(code string) int {
	switch code {
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_TRANSITION", "STALE_STATE", "DUPLICATE_PRODUCT":
		return http.StatusConflict
	case "CHAIN_TIMEOUT":
		return http.StatusGatewayTimeout
	case "CHAIN_REJECTED":
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
