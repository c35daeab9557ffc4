package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Wrap these with fmt.Errorf("%w: ...") and classify with
// errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrUpstream   = errors.New("upstream failure")
	ErrAbandoned  = errors.New("deletion abandoned")

	ErrInvalidFilterInput = fmt.Errorf("%w: invalid filter input", ErrValidation)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid index status transition", ErrConflict)
)

// ErrorKind names the taxonomy bucket of err for API and outcome payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrAbandoned):
		return "Abandoned"
	case errors.Is(err, ErrUpstream):
		return "UpstreamFailure"
	}
	return "Internal"
}
