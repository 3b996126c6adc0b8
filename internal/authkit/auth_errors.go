package authkit

import (
	"errors"
	"net/http"
)

// Error kinds returned by IdentityService and TokenManager. Callers classify with errors.Is.
var (
	ErrConflict     = errors.New("auth.conflict")
	ErrUnauthorized = errors.New("auth.unauthorized")
	ErrForbidden    = errors.New("auth.forbidden")
	ErrBadRequest   = errors.New("auth.bad_request")
	ErrNotFound     = errors.New("auth.not_found")
)

// HTTPStatus maps an error kind to the status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
