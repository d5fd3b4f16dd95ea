// Package calendar wraps the Google Calendar API for the family day view.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrUpstream marks failures returned by the Calendar API.
var ErrUpstream = errors.New("calendar API error")

// Service wraps the Google Calendar API service.
type Service struct {
	svc *gcal.Service
}

// NewService creates a Service authorised by a bare access token.
// Extra options (e.g. option.WithEndpoint) are applied after the token.
func NewService(ctx context.Context, accessToken string, opts ...option.ClientOption) (*Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	all := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}, opts...)
	return newService(ctx, all...)
}

// NewServiceFromClient creates a Service from an already authorised HTTP client.
func NewServiceFromClient(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*Service, error) {
	all := append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	return newService(ctx, all...)
}

func newService(ctx context.Context, opts ...option.ClientOption) (*Service, error) {
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar API service: %w", err)
	}
	return &Service{svc: srv}, nil
}

// ListEvents returns the expanded events of calendarID ordered by start time.
// timeMin and timeMax are RFC 3339 strings and may be empty.
func (s *Service) ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) (*gcal.Events, error) {
	call := s.svc.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime")
	if timeMin != "" {
		call = call.TimeMin(timeMin)
	}
	if timeMax != "" {
		call = call.TimeMax(timeMax)
	}

	events, err := call.Context(ctx).Do()
	if err != nil {
		return nil, upstreamError("events.list", err)
	}
	return events, nil
}

// ListCalendars returns the user's calendar list.
func (s *Service) ListCalendars(ctx context.Context) (*gcal.CalendarList, error) {
	list, err := s.svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, upstreamError("calendarList.list", err)
	}
	return list, nil
}

// upstreamError logs the Google error body and hides it behind ErrUpstream.
func upstreamError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		slog.Error("Google Calendar API error", "op", op, "status", gerr.Code, "body", gerr.Body)
	} else {
		slog.Error("Google Calendar request failed", "op", op, "error", err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}

// CalendarInfo is the summary of a calendar list entry.
type CalendarInfo struct {
	ID              string `json:"id"`
	Summary         string `json:"summary"`
	Description     string `json:"description,omitempty"`
	Primary         bool   `json:"primary,omitempty"`
	AccessRole      string `json:"accessRole"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
}

// Calendars flattens a calendar list.
func Calendars(list *gcal.CalendarList) []CalendarInfo {
	if list == nil {
		return nil
	}
	out := make([]CalendarInfo, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, CalendarInfo{
			ID:              item.Id,
			Summary:         item.Summary,
			Description:     item.Description,
			Primary:         item.Primary,
			AccessRole:      item.AccessRole,
			BackgroundColor: item.BackgroundColor,
		})
	}
	return out
}
