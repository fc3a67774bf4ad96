package httpx

import (
	"errors"
	"net/http"

	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

// ErrUnavailable marks a failure of a backing service (queue, cache).
// Handlers wrap infrastructure errors with it to answer 503 instead of
// blaming the caller.
var ErrUnavailable = errors.New("backing service unavailable")

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrAlreadyMember), errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrLastMember):
		Problem(w, http.StatusUnprocessableEntity, "Last Member", err.Error())
	case errors.Is(err, shared.ErrStaleDump):
		Problem(w, http.StatusConflict, "Superseded", err.Error())
	case errors.Is(err, ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
