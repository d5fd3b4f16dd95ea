package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"family-calendar/internal/oauth"
	"family-calendar/internal/session"
)

func TestLogin(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/auth/login", "")

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://accounts.example.test/") {
		t.Errorf("Location = %q, want provider URL", loc)
	}

	c := responseCookie(t, rec)
	if !c.HttpOnly || c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie flags = httpOnly:%v secure:%v sameSite:%v, want true/false/Lax", c.HttpOnly, c.Secure, c.SameSite)
	}
	if c.MaxAge != 86400 || c.Path != "/" {
		t.Errorf("cookie MaxAge=%d Path=%q, want 86400 /", c.MaxAge, c.Path)
	}

	sess, err := env.sessions.Get(context.Background(), c.Value)
	if err != nil {
		t.Fatalf("session %q not stored: %v", c.Value, err)
	}
	if sess.Authenticated {
		t.Error("new session is authenticated")
	}
	if sess.State != env.oauth.authState {
		t.Errorf("stored state = %q, redirect state = %q", sess.State, env.oauth.authState)
	}
	if len(sess.State) != 32 || len(sess.CodeVerifier) != 128 {
		t.Errorf("state/verifier lengths = %d/%d, want 32/128", len(sess.State), len(sess.CodeVerifier))
	}
	if got := oauth.CodeChallenge(sess.CodeVerifier); got != env.oauth.authChallenge {
		t.Errorf("challenge = %q, want S256 of stored verifier %q", env.oauth.authChallenge, got)
	}
}

func TestLogin_ProductionCookie(t *testing.T) {
	env := newTestEnv(t, true)
	c := responseCookie(t, env.do(t, http.MethodGet, "/api/auth/login", ""))

	if !c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags = httpOnly:%v secure:%v sameSite:%v, want true/true/Strict", c.HttpOnly, c.Secure, c.SameSite)
	}
}

func TestLogin_FreshStatePerCall(t *testing.T) {
	env := newTestEnv(t, false)
	first := responseCookie(t, env.do(t, http.MethodGet, "/api/auth/login", ""))
	firstState := env.oauth.authState
	second := responseCookie(t, env.do(t, http.MethodGet, "/api/auth/login", ""))

	if first.Value == second.Value {
		t.Error("two logins produced the same session id")
	}
	if firstState == env.oauth.authState {
		t.Error("two logins produced the same state")
	}
}

func TestLoginCallbackFlow(t *testing.T) {
	env := newTestEnv(t, false)
	id := responseCookie(t, env.do(t, http.MethodGet, "/api/auth/login", "")).Value

	target := "/api/auth/callback?code=auth-code&state=" + url.QueryEscape(env.oauth.authState)
	rec := env.do(t, http.MethodGet, target, id)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %q)", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != testFrontendURL {
		t.Errorf("Location = %q, want %q", loc, testFrontendURL)
	}
	if env.oauth.exchangeCalls != 1 {
		t.Errorf("exchange calls = %d, want 1", env.oauth.exchangeCalls)
	}
	if env.oauth.exchangeCode != "auth-code" {
		t.Errorf("exchange code = %q, want auth-code", env.oauth.exchangeCode)
	}
	if got := oauth.CodeChallenge(env.oauth.exchangeVerifier); got != env.oauth.authChallenge {
		t.Error("verifier sent at exchange does not match the challenge sent at login")
	}

	sess, err := env.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !sess.Authenticated || sess.AccessToken != "access-1" || sess.RefreshToken != "refresh-1" {
		t.Errorf("session = %+v, want authenticated with tokens", sess)
	}
	if sess.State != "" || sess.CodeVerifier != "" {
		t.Errorf("state/verifier not cleared: %q %q", sess.State, sess.CodeVerifier)
	}
	if sess.ExpiresAt <= time.Now().UnixMilli() {
		t.Errorf("ExpiresAt = %d, want in the future", sess.ExpiresAt)
	}

	status := env.do(t, http.MethodGet, "/api/auth/status", id)
	if !strings.Contains(status.Body.String(), `"authenticated":true`) {
		t.Errorf("status body = %q, want authenticated", status.Body.String())
	}
}

func TestCallback_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		cookie   string // "login" uses the session created by /login
		wantBody string
	}{
		{"provider error", "?error=access_denied", "login", "Authentication error: access_denied"},
		{"missing code", "?state=x", "login", "Missing code or state parameter"},
		{"missing state", "?code=x", "login", "Missing code or state parameter"},
		{"no cookie", "?code=x&state=x", "", "No session found"},
		{"unknown session", "?code=x&state=x", "does-not-exist", "Invalid session"},
		{"state mismatch", "?code=x&state=forged", "login", "Invalid state parameter"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			id := responseCookie(t, env.do(t, http.MethodGet, "/api/auth/login", "")).Value
			cookie := tc.cookie
			if cookie == "login" {
				cookie = id
			}

			rec := env.do(t, http.MethodGet, "/api/auth/callback"+tc.query, cookie)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tc.wantBody {
				t.Errorf("body = %q, want %q", got, tc.wantBody)
			}
			if env.oauth.exchangeCalls != 0 {
				t.Errorf("exchange calls = %d, want 0", env.oauth.exchangeCalls)
			}
			sess, err := env.sessions.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if sess.Authenticated {
				t.Error("rejected callback authenticated the session")
			}
		})
	}
}

func TestCallback_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.oauth.exchangeErr = oauth.ErrTokenExchange
	id := responseCookie(t, env.do(t, http.MethodGet, "/api/auth/login", "")).Value

	rec := env.do(t, http.MethodGet, "/api/auth/callback?code=c&state="+url.QueryEscape(env.oauth.authState), id)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Authentication failed" {
		t.Errorf("body = %q, want Authentication failed", got)
	}
	sess, err := env.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess.Authenticated || sess.AccessToken != "" {
		t.Errorf("session = %+v, want still pending", sess)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.seedSession(t, time.Now().Add(time.Hour), "refresh")

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/logout", id)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d, want 200", i, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"success":true}` {
			t.Errorf("call %d: body = %q", i, got)
		}
		c := responseCookie(t, rec)
		if c.Value != "" || c.MaxAge >= 0 {
			t.Errorf("call %d: cookie = %+v, want cleared", i, c)
		}
	}

	if _, err := env.sessions.Get(context.Background(), id); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get() after logout error = %v, want ErrNotFound", err)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/logout", "")
	if rec.Code != http.StatusOK {
		t.Errorf("logout without cookie status = %d, want 200", rec.Code)
	}
}

func TestStatus_NoCookie(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/auth/status", "")

	if got := strings.TrimSpace(rec.Body.String()); got != `{"authenticated":false}` {
		t.Errorf("body = %q, want unauthenticated", got)
	}
	if n := env.store.calls.Load(); n != 0 {
		t.Errorf("store calls = %d, want 0", n)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name         string
		seed         func(t *testing.T, env *testEnv) string
		refreshErr   error
		want         bool
		wantRefresh  int
		wantDeleted  bool
		wantAccessTo string
	}{
		{
			name: "unknown session",
			seed: func(*testing.T, *testEnv) string { return "missing" },
		},
		{
			name: "pending session",
			seed: func(t *testing.T, env *testEnv) string {
				s, _ := env.sessions.Create(context.Background(), "s", "v")
				return s.ID
			},
		},
		{
			name: "valid token",
			seed: func(t *testing.T, env *testEnv) string {
				return env.seedSession(t, time.Now().Add(time.Hour), "refresh")
			},
			want:         true,
			wantAccessTo: "access-old",
		},
		{
			name: "expired token refreshed",
			seed: func(t *testing.T, env *testEnv) string {
				return env.seedSession(t, time.Now().Add(-time.Minute), "refresh")
			},
			want:         true,
			wantRefresh:  1,
			wantAccessTo: "access-refreshed",
		},
		{
			name: "expired token refresh fails",
			seed: func(t *testing.T, env *testEnv) string {
				return env.seedSession(t, time.Now().Add(-time.Minute), "refresh")
			},
			refreshErr:  oauth.ErrTokenRefresh,
			wantRefresh: 1,
			wantDeleted: true,
		},
		{
			name: "expired without refresh token",
			seed: func(t *testing.T, env *testEnv) string {
				return env.seedSession(t, time.Now().Add(-time.Minute), "")
			},
			wantDeleted: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			env.oauth.refreshErr = tc.refreshErr
			id := tc.seed(t, env)

			rec := env.do(t, http.MethodGet, "/api/auth/status", id)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			want := `{"authenticated":false}`
			if tc.want {
				want = `{"authenticated":true}`
			}
			if got := strings.TrimSpace(rec.Body.String()); got != want {
				t.Errorf("body = %q, want %q", got, want)
			}
			if env.oauth.refreshCalls != tc.wantRefresh {
				t.Errorf("refresh calls = %d, want %d", env.oauth.refreshCalls, tc.wantRefresh)
			}

			sess, err := env.sessions.Get(context.Background(), id)
			if tc.wantDeleted {
				if !errors.Is(err, session.ErrNotFound) {
					t.Errorf("session still present after failed refresh: %v", err)
				}
				return
			}
			if tc.wantAccessTo != "" {
				if err != nil {
					t.Fatalf("Get() error: %v", err)
				}
				if sess.AccessToken != tc.wantAccessTo {
					t.Errorf("AccessToken = %q, want %q", sess.AccessToken, tc.wantAccessTo)
				}
			}
		})
	}
}

func TestStatus_RefreshKeepsRefreshToken(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.seedSession(t, time.Now().Add(-time.Minute), "refresh-keep")

	env.do(t, http.MethodGet, "/api/auth/status", id)

	if env.oauth.refreshToken != "refresh-keep" {
		t.Errorf("refresh sent %q, want refresh-keep", env.oauth.refreshToken)
	}
	sess, err := env.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess.RefreshToken != "refresh-keep" {
		t.Errorf("RefreshToken = %q, want refresh-keep", sess.RefreshToken)
	}
}
