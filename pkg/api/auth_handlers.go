package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/hub/pkg/auth"
	"github.com/platinummonkey/hub/pkg/contextkeys"
	"github.com/platinummonkey/hub/pkg/httputil"
	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/spawner"
	"github.com/platinummonkey/hub/pkg/storage"
)

// authorizationResponse identifies the user a cookie token belongs to
type authorizationResponse struct {
	User string `json:"user"`
}

// handleAuthorizations lets the proxy-facing backends check which user a
// session cookie belongs to. The caller authenticates with its API token;
// the path carries the cookie token under inspection.
func (s *Server) handleAuthorizations(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	username, err := s.tokens.VerifyCookieToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			httputil.WriteNotFoundError(w, "token")
			return
		}
		observability.FromContext(r.Context()).WithError(err).Error("token lookup failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, authorizationResponse{User: username})
}

// handleStopServer deprovisions a single-user server. Only the owner's API
// token may stop it.
func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	if contextkeys.GetUsername(r.Context()) != name {
		httputil.WriteForbidden(w, "token does not belong to this user")
		return
	}

	err := s.orch.StopServer(r.Context(), name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteNotFoundError(w, "user")
	case errors.Is(err, spawner.ErrNotRunning):
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "server is not running")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("failed to stop single-user server")
		httputil.WriteInternalError(w, err)
	}
}
