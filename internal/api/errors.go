package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/punica/internal/engine"
)

// ErrInvalidRequest marks request bodies the server refuses before touching
// the engine.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps an error to an HTTP status and the error type reported in
// the response body. Engine errors keep their engine.Kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, engine.ErrContract):
		return http.StatusBadRequest, engine.Kind(err)
	case errors.Is(err, engine.ErrCacheOverflow):
		return http.StatusConflict, engine.Kind(err)
	case errors.Is(err, engine.ErrResourceExhausted):
		return http.StatusInsufficientStorage, engine.Kind(err)
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable, engine.Kind(err)
	default:
		return http.StatusInternalServerError, engine.Kind(err)
	}
}
