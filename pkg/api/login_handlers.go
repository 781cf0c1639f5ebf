package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/platinummonkey/hub/pkg/auth"
	"github.com/platinummonkey/hub/pkg/httputil"
	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/orchestrator"
	"github.com/platinummonkey/hub/pkg/spawner"
	"github.com/platinummonkey/hub/pkg/storage"
)

const invalidCredentialsMessage = "Invalid username or password"

// handleRoot redirects an authenticated user to their server, everyone else
// to the login form
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if username := s.currentUser(w, r); username != "" {
		http.Redirect(w, r, storage.DeriveBaseURL(s.hubBasePath, username)+"/", http.StatusFound)
		return
	}
	http.Redirect(w, r, s.loginURL(r.URL.Path), http.StatusFound)
}

// handleLoginForm renders the login form. A caller with a valid session is
// sent straight to their target instead.
func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	next := httputil.ParseQueryString(r, "next", "")
	if username := s.currentUser(w, r); username != "" {
		target := next
		if target == "" {
			target = s.orch.DefaultRedirectURL(username)
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	s.renderLogin(w, http.StatusOK, loginPageData{
		Username: httputil.ParseQueryString(r, "username", ""),
		Next:     url.QueryEscape(next),
	})
}

// handleLoginPost authenticates, provisions the user's server on first
// login, sets both session cookies and redirects
func (s *Server) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "malformed form data")
		return
	}

	// The authenticator defines its own field set; forward everything
	data := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			data[key] = values[0]
		}
	}
	username := data["username"]
	next := httputil.ParseQueryString(r, "next", "")

	result, err := s.orch.Login(r.Context(), data)
	if err != nil {
		log := observability.FromContext(r.Context()).WithField("username", username)
		switch {
		case errors.Is(err, orchestrator.ErrLoginFailed):
			s.renderLogin(w, http.StatusUnauthorized, loginPageData{
				Username: username,
				Message:  invalidCredentialsMessage,
				Next:     url.QueryEscape(next),
			})
		case errors.Is(err, spawner.ErrSpawnFailed), errors.Is(err, spawner.ErrTimeout):
			log.WithError(err).Error("spawn failed during login")
			s.renderLogin(w, http.StatusInternalServerError, loginPageData{
				Username: username,
				Message:  "Failed to start your server, please try again later",
				Next:     url.QueryEscape(next),
			})
		default:
			log.WithError(err).Error("login failed")
			httputil.WriteInternalError(w, err)
		}
		return
	}

	for _, cookie := range result.Cookies {
		http.SetCookie(w, &http.Cookie{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Path:     cookie.Path,
			HttpOnly: true,
		})
	}

	if next == "" {
		next = s.orch.DefaultRedirectURL(result.User.Name)
	}
	http.Redirect(w, r, next, http.StatusFound)
}

// handleLogout clears both session cookies and revokes the hub token
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.hubCookieName); err == nil {
		if username, err := s.orch.CurrentUser(r.Context(), cookie.Value); err == nil {
			if user, err := s.orch.GetUser(r.Context(), username); err == nil {
				s.clearCookie(w, user.Server.CookieName, user.Server.BaseURL)
			}
		}
		if err := s.orch.Logout(r.Context(), cookie.Value); err != nil {
			observability.FromContext(r.Context()).WithError(err).Warn("failed to revoke session token")
		}
	}
	s.clearCookie(w, s.hubCookieName, s.hubBasePath)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("logged out\n"))
}

// handleUser respawns a user's server after a hub restart. With the proxy
// routing correctly this handler is rarely hit, so reaching it is logged.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}

	log := observability.FromContext(r.Context())
	log.Warnf("hub caught serving single-user url for %q", name)

	username := s.currentUser(w, r)
	if username != name {
		s.clearCookie(w, s.hubCookieName, s.hubBasePath)
		http.Redirect(w, r, s.loginURL(r.URL.Path), http.StatusFound)
		return
	}

	user, err := s.orch.SpawnUser(r.Context(), username)
	if err != nil {
		log.WithError(err).Error("failed to respawn single-user server")
		httputil.WriteInternalError(w, err)
		return
	}
	http.Redirect(w, r, user.Server.BaseURL+"/", http.StatusFound)
}

// currentUser resolves the hub session cookie. A cookie that no longer maps
// to a session is cleared on the way out so the browser stops sending it.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(s.hubCookieName)
	if err != nil {
		return ""
	}
	username, err := s.orch.CurrentUser(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			s.clearCookie(w, s.hubCookieName, s.hubBasePath)
		}
		return ""
	}
	return username
}

func (s *Server) renderLogin(w http.ResponseWriter, status int, data loginPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("failed to render login form")
	}
}

func (s *Server) loginURL(next string) string {
	u := url.URL{Path: "/login"}
	if next != "" && next != "/" {
		u.RawQuery = url.Values{"next": {next}}.Encode()
	}
	return u.String()
}

func (s *Server) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
	})
}
