package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"family-calendar/internal/herr"
	"family-calendar/internal/oauth"
	"family-calendar/internal/session"
)

const (
	// SessionCookieName carries the opaque session id.
	SessionCookieName = "session_id"
	sessionMaxAge     = int(session.TTL / time.Second)
	// refreshBuffer is how early calendar routes refresh an expiring token.
	refreshBuffer = 5 * time.Minute
)

type statusResponse struct {
	Authenticated bool `json:"authenticated"`
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string, maxAge int) {
	c := &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if s.config.Production {
		c.Secure = true
		c.SameSite = http.SameSiteStrictMode
	}
	http.SetCookie(w, c)
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	s.setSessionCookie(w, "", -1)
}

// sessionID returns the session id from the request cookie, or "".
func sessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// handleLogin starts a pending session and redirects to Google's consent page.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) *herr.Error {
	state, err := oauth.GenerateState()
	if err != nil {
		return herr.Internal(err, "failed to generate state")
	}
	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		return herr.Internal(err, "failed to generate code verifier")
	}

	sess, err := s.sessions.Create(r.Context(), state, verifier)
	if err != nil {
		return herr.Internal(err, "failed to create session")
	}

	s.setSessionCookie(w, sess.ID, sessionMaxAge)
	http.Redirect(w, r, s.oauth.AuthURL(state, oauth.CodeChallenge(verifier)), http.StatusFound)
	return nil
}

// handleCallback validates the CSRF state, exchanges the code and marks the
// session authenticated.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) *herr.Error {
	q := r.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		s.metrics.login("denied")
		return herr.BadRequest("Authentication error: "+oauthErr, "provider returned error")
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return herr.BadRequest("Missing code or state parameter", "incomplete callback")
	}

	id := sessionID(r)
	if id == "" {
		return herr.BadRequest("No session found", "callback without session cookie")
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		return herr.BadRequest("Invalid session", "callback for unknown session")
	}
	if err != nil {
		return herr.Internal(err, "failed to load session")
	}

	if sess.State == "" || subtle.ConstantTimeCompare([]byte(sess.State), []byte(state)) != 1 {
		s.metrics.login("state_mismatch")
		return herr.BadRequest("Invalid state parameter", "CSRF state mismatch")
	}

	tokens, err := s.oauth.Exchange(r.Context(), code, sess.CodeVerifier)
	if err != nil {
		s.metrics.login("exchange_failed")
		return herr.New(http.StatusInternalServerError, "Authentication failed", err, "token exchange failed")
	}

	_, err = s.sessions.Update(r.Context(), id, func(sess *session.Session) {
		sess.AccessToken = tokens.AccessToken
		sess.RefreshToken = tokens.RefreshToken
		sess.ExpiresAt = tokens.ExpiresAtMillis(s.sessions.Now())
		sess.Authenticated = true
		sess.State = ""
		sess.CodeVerifier = ""
	})
	if err != nil {
		s.metrics.login("store_failed")
		return herr.New(http.StatusInternalServerError, "Authentication failed", err, "failed to persist tokens")
	}

	s.metrics.login("success")
	http.Redirect(w, r, s.config.FrontendURL, http.StatusFound)
	return nil
}

// handleLogout deletes the session and clears the cookie. Repeated calls succeed.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) *herr.Error {
	s.clearSessionCookie(w)
	if id := sessionID(r); id != "" {
		if err := s.sessions.Delete(r.Context(), id); err != nil {
			return herr.Internal(err, "failed to delete session")
		}
	}
	return herr.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleStatus reports whether the session is usable, refreshing an expired
// access token once. A session that cannot be refreshed is deleted.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) *herr.Error {
	id := sessionID(r)
	if id == "" {
		return herr.JSON(w, http.StatusOK, statusResponse{Authenticated: false})
	}

	ctx := r.Context()
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return herr.JSON(w, http.StatusOK, statusResponse{Authenticated: false})
	}
	if err != nil {
		return herr.Internal(err, "failed to load session")
	}

	switch sess.Status(s.sessions.Now()) {
	case session.StatusPending:
		return herr.JSON(w, http.StatusOK, statusResponse{Authenticated: false})
	case session.StatusExpired:
		if sess.RefreshToken == "" {
			s.dropSession(ctx, id, "expired without refresh token")
			return herr.JSON(w, http.StatusOK, statusResponse{Authenticated: false})
		}
		if _, err := s.refreshSession(ctx, sess); err != nil {
			slog.Warn("Token refresh failed, deleting session", "error", err)
			s.dropSession(ctx, id, "refresh failed")
			return herr.JSON(w, http.StatusOK, statusResponse{Authenticated: false})
		}
	}
	return herr.JSON(w, http.StatusOK, statusResponse{Authenticated: true})
}

// refreshSession trades the stored refresh token for a new access token and
// saves it. It makes exactly one call to the token endpoint.
func (s *Server) refreshSession(ctx context.Context, sess *session.Session) (string, error) {
	tokens, err := s.oauth.Refresh(ctx, sess.RefreshToken)
	s.metrics.tokenRefresh(err == nil)
	if err != nil {
		return "", err
	}

	_, err = s.sessions.Update(ctx, sess.ID, func(stored *session.Session) {
		stored.AccessToken = tokens.AccessToken
		stored.ExpiresAt = tokens.ExpiresAtMillis(s.sessions.Now())
		if tokens.RefreshToken != "" {
			stored.RefreshToken = tokens.RefreshToken
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to save refreshed token: %w", err)
	}
	return tokens.AccessToken, nil
}

func (s *Server) dropSession(ctx context.Context, id, reason string) {
	if err := s.sessions.Delete(ctx, id); err != nil {
		slog.Error("Failed to delete session", "reason", reason, "error", err)
		return
	}
	slog.Info("Session deleted", "reason", reason)
}

// ensureValidToken returns a usable access token for the session, refreshing
// it when it expires within refreshBuffer. It returns "" when the caller
// must answer 401; err is only set for store failures.
func (s *Server) ensureValidToken(ctx context.Context, id string) (string, error) {
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !sess.Authenticated || sess.AccessToken == "" {
		return "", nil
	}

	if sess.TokenExpiresWithin(s.sessions.Now(), refreshBuffer) {
		if sess.RefreshToken == "" {
			return "", nil
		}
		token, err := s.refreshSession(ctx, sess)
		if err != nil {
			slog.Warn("Token refresh failed", "error", err)
			return "", nil
		}
		return token, nil
	}
	return sess.AccessToken, nil
}
