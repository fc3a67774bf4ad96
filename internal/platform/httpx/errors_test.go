package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

func TestRespondErrorMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", shared.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("community bio: %w", shared.ErrNotFound), http.StatusNotFound},
		{"already member", shared.ErrAlreadyMember, http.StatusConflict},
		{"conflict", shared.ErrConflict, http.StatusConflict},
		{"last member", shared.ErrLastMember, http.StatusUnprocessableEntity},
		{"stale dump", shared.ErrStaleDump, http.StatusConflict},
		{"unavailable", fmt.Errorf("queue: %w", ErrUnavailable), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			RespondError(rr, tc.err)
			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pg: connection refused"))
	require.NotContains(t, rr.Body.String(), "connection refused")
}
