package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/cube/internal/dpu"
)

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

// statusFor maps an error to its HTTP status and error type.
func statusFor(err error) (int, string) {
	if errors.Is(err, ErrInvalidRequest) {
		return http.StatusBadRequest, "invalid_request_error"
	}
	switch dpu.KindOf(err) {
	case dpu.KindNotFound:
		return http.StatusNotFound, "not_found_error"
	case dpu.KindSizeMismatch:
		return http.StatusBadRequest, "invalid_request_error"
	case dpu.KindResourceBusy:
		return http.StatusConflict, "busy_error"
	case dpu.KindArtifact:
		return http.StatusUnprocessableEntity, "artifact_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
