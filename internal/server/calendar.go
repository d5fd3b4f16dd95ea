package server

import (
	"context"
	"net/http"

	"family-calendar/internal/herr"
)

// calendarFor resolves a session id to a Calendar client, or to the 401/500
// the caller should answer with.
func (s *Server) calendarFor(ctx context.Context, id string) (CalendarAPI, *herr.Error) {
	if id == "" {
		return nil, herr.Unauthorized(nil, "no session cookie")
	}
	token, err := s.ensureValidToken(ctx, id)
	if err != nil {
		return nil, herr.Internal(err, "failed to load session")
	}
	if token == "" {
		return nil, herr.Unauthorized(nil, "no valid access token")
	}
	api, err := s.calendar(ctx, token)
	if err != nil {
		return nil, herr.Internal(err, "failed to create calendar client")
	}
	return api, nil
}

// handleCalendarEvents proxies events.list for one calendar.
// calendarId is checked before the session so a bad request never reaches Google.
func (s *Server) handleCalendarEvents(w http.ResponseWriter, r *http.Request) *herr.Error {
	q := r.URL.Query()
	calendarID := q.Get("calendarId")
	if calendarID == "" {
		return herr.BadRequest("Missing calendarId parameter", "events request without calendarId")
	}

	api, herrErr := s.calendarFor(r.Context(), sessionID(r))
	if herrErr != nil {
		return herrErr
	}

	events, err := api.ListEvents(r.Context(), calendarID, q.Get("timeMin"), q.Get("timeMax"))
	if err != nil {
		return herr.New(http.StatusInternalServerError, "Calendar API error", err, "events.list failed")
	}
	return herr.JSON(w, http.StatusOK, events)
}

// handleCalendarList proxies calendarList.list.
func (s *Server) handleCalendarList(w http.ResponseWriter, r *http.Request) *herr.Error {
	api, herrErr := s.calendarFor(r.Context(), sessionID(r))
	if herrErr != nil {
		return herrErr
	}

	list, err := api.ListCalendars(r.Context())
	if err != nil {
		return herr.New(http.StatusInternalServerError, "Calendar API error", err, "calendarList.list failed")
	}
	return herr.JSON(w, http.StatusOK, list)
}
