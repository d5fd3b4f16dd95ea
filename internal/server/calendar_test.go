package server

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCalendarEvents_MissingCalendarID(t *testing.T) {
	tests := []struct {
		name     string
		withAuth bool
	}{
		{"anonymous", false},
		{"expiring session", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			id := ""
			if tc.withAuth {
				id = env.seedSession(t, time.Now().Add(time.Minute), "refresh")
			}

			rec := env.do(t, http.MethodGet, "/api/calendar/events?timeMin=2025-06-01T00:00:00Z", id)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != "Missing calendarId parameter" {
				t.Errorf("body = %q", got)
			}
			if len(env.tokens) != 0 || env.oauth.refreshCalls != 0 {
				t.Errorf("outbound calls made: factory=%d refresh=%d", len(env.tokens), env.oauth.refreshCalls)
			}
		})
	}
}

func TestCalendarEvents(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.seedSession(t, time.Now().Add(time.Hour), "refresh")

	rec := env.do(t, http.MethodGet,
		"/api/calendar/events?calendarId=family%40example.com&timeMin=2025-06-02T00:00:00Z&timeMax=2025-06-02T23:59:59Z", id)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"summary":"School"`) || !strings.Contains(body, `"kind":"calendar#events"`) {
		t.Errorf("body = %q, want relayed events", body)
	}
	want := "family@example.com|2025-06-02T00:00:00Z|2025-06-02T23:59:59Z"
	if len(env.cal.eventsCalls) != 1 || env.cal.eventsCalls[0] != want {
		t.Errorf("ListEvents calls = %v, want [%s]", env.cal.eventsCalls, want)
	}
	if len(env.tokens) != 1 || env.tokens[0] != "access-old" {
		t.Errorf("factory tokens = %v, want [access-old]", env.tokens)
	}
	if env.oauth.refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0", env.oauth.refreshCalls)
	}
}

func TestCalendarEvents_RefreshesExpiringToken(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.seedSession(t, time.Now().Add(2*time.Minute), "refresh")

	rec := env.do(t, http.MethodGet, "/api/calendar/events?calendarId=primary", id)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.oauth.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", env.oauth.refreshCalls)
	}
	if len(env.tokens) != 1 || env.tokens[0] != "access-refreshed" {
		t.Errorf("factory tokens = %v, want [access-refreshed]", env.tokens)
	}
}

func TestCalendarRoutes_Unauthorized(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		seed       func(t *testing.T, env *testEnv) string
		refreshErr error
	}{
		{
			name: "events without cookie",
			path: "/api/calendar/events?calendarId=primary",
			seed: func(*testing.T, *testEnv) string { return "" },
		},
		{
			name: "list without cookie",
			path: "/api/calendar/list",
			seed: func(*testing.T, *testEnv) string { return "" },
		},
		{
			name: "unknown session",
			path: "/api/calendar/list",
			seed: func(*testing.T, *testEnv) string { return "gone" },
		},
		{
			name: "expired without refresh token",
			path: "/api/calendar/list",
			seed: func(t *testing.T, env *testEnv) string {
				return env.seedSession(t, time.Now().Add(-time.Minute), "")
			},
		},
		{
			name: "refresh rejected",
			path: "/api/calendar/events?calendarId=primary",
			seed: func(t *testing.T, env *testEnv) string {
				return env.seedSession(t, time.Now().Add(-time.Minute), "refresh")
			},
			refreshErr: errors.New("invalid_grant"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			env.oauth.refreshErr = tc.refreshErr
			rec := env.do(t, http.MethodGet, tc.path, tc.seed(t, env))

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != "Unauthorized" {
				t.Errorf("body = %q, want Unauthorized", got)
			}
			if len(env.tokens) != 0 {
				t.Errorf("calendar factory called %d times", len(env.tokens))
			}
		})
	}
}

func TestCalendarRoutes_UpstreamError(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"events", "/api/calendar/events?calendarId=primary"},
		{"list", "/api/calendar/list"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			env.cal.eventsErr = errors.New("googleapi: Error 403: quota")
			env.cal.listErr = errors.New("googleapi: Error 403: quota")
			id := env.seedSession(t, time.Now().Add(time.Hour), "refresh")

			rec := env.do(t, http.MethodGet, tc.path, id)

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", rec.Code)
			}
			body := strings.TrimSpace(rec.Body.String())
			if body != "Calendar API error" {
				t.Errorf("body = %q, want Calendar API error", body)
			}
		})
	}
}

func TestCalendarList(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.seedSession(t, time.Now().Add(time.Hour), "refresh")

	rec := env.do(t, http.MethodGet, "/api/calendar/list", id)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"id":"family@example.com"`) {
		t.Errorf("body = %q, want calendar entry", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
