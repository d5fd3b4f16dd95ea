package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"family-calendar/internal/calendar"
	"family-calendar/internal/herr"
)

type accessTokenKey struct{}

func withAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

func accessTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// mcpHandler serves MCP over streamable HTTP for clients holding a session cookie.
func (s *Server) mcpHandler() http.Handler {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	})
	return s.sessionAuth(handler)
}

// sessionAuth resolves the session cookie to an access token and stores it in the request context.
func (s *Server) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r)
		if id == "" {
			herr.Write(w, r, herr.Unauthorized(nil, "mcp request without session cookie"))
			return
		}
		token, err := s.ensureValidToken(r.Context(), id)
		if err != nil {
			herr.Write(w, r, herr.Internal(err, "failed to load session"))
			return
		}
		if token == "" {
			herr.Write(w, r, herr.Unauthorized(nil, "mcp request without valid access token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccessToken(r.Context(), token)))
	})
}

// PingOutput is the output schema for the ping tool.
type PingOutput struct {
	Message string `json:"message"`
	Time    string `json:"time"`
}

// CalendarListOutput is the output schema for the calendar_list tool.
type CalendarListOutput struct {
	Calendars []calendar.CalendarInfo `json:"calendars" jsonschema:"calendars visible to the signed-in user"`
	Count     int                     `json:"count"`
}

// EventsInput is the input schema for the calendar_events tool.
type EventsInput struct {
	CalendarID string `json:"calendarId" jsonschema:"calendar ID, e.g. primary or someone@example.com"`
	TimeMin    string `json:"timeMin,omitempty" jsonschema:"RFC 3339 lower bound for event end time"`
	TimeMax    string `json:"timeMax,omitempty" jsonschema:"RFC 3339 upper bound for event start time"`
}

// EventItem is one event in calendar_events output.
type EventItem struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
	AllDay   bool   `json:"allDay,omitempty"`
}

// EventsOutput is the output schema for the calendar_events tool.
type EventsOutput struct {
	Events []EventItem `json:"events"`
	Count  int         `json:"count"`
}

// DayInput is the input schema for the family_day tool.
type DayInput struct {
	Date string `json:"date,omitempty" jsonschema:"day in YYYY-MM-DD format, defaults to today"`
}

// DayOutput is the output schema for the family_day tool.
type DayOutput struct {
	Date   string           `json:"date"`
	Events []calendar.Event `json:"events" jsonschema:"events of every family member ordered by start hour"`
	Count  int              `json:"count"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "ping",
		Description: "Test connectivity with the family calendar server",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, PingOutput, error) {
		return nil, PingOutput{Message: "pong", Time: time.Now().Format(time.RFC3339)}, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_list",
		Description: "List the Google calendars of the signed-in user",
	}, s.handleListTool)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_events",
		Description: "List events of one calendar, expanded and ordered by start time",
	}, s.handleEventsTool)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "family_day",
		Description: "Show who is doing what on a given day across the configured family calendars",
	}, s.handleDayTool)
}

func (s *Server) toolCalendar(ctx context.Context) (CalendarAPI, error) {
	token := accessTokenFrom(ctx)
	if token == "" {
		return nil, fmt.Errorf("not authenticated")
	}
	return s.calendar(ctx, token)
}

func (s *Server) handleListTool(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, CalendarListOutput, error) {
	api, err := s.toolCalendar(ctx)
	if err != nil {
		return nil, CalendarListOutput{}, err
	}
	list, err := api.ListCalendars(ctx)
	if err != nil {
		return nil, CalendarListOutput{}, fmt.Errorf("failed to list calendars: %w", err)
	}
	infos := calendar.Calendars(list)
	if infos == nil {
		infos = []calendar.CalendarInfo{}
	}
	return nil, CalendarListOutput{Calendars: infos, Count: len(infos)}, nil
}

func (s *Server) handleEventsTool(ctx context.Context, req *mcp.CallToolRequest, input EventsInput) (*mcp.CallToolResult, EventsOutput, error) {
	if input.CalendarID == "" {
		return nil, EventsOutput{}, fmt.Errorf("calendarId is required")
	}
	api, err := s.toolCalendar(ctx)
	if err != nil {
		return nil, EventsOutput{}, err
	}
	events, err := api.ListEvents(ctx, input.CalendarID, input.TimeMin, input.TimeMax)
	if err != nil {
		return nil, EventsOutput{}, fmt.Errorf("failed to list events: %w", err)
	}

	output := EventsOutput{Events: make([]EventItem, 0, len(events.Items))}
	for _, item := range events.Items {
		ev := EventItem{ID: item.Id, Summary: item.Summary, Location: item.Location}
		if ev.Summary == "" {
			ev.Summary = calendar.NoTitle
		}
		if item.Start != nil {
			ev.Start = item.Start.DateTime
			if ev.Start == "" {
				ev.Start = item.Start.Date
				ev.AllDay = true
			}
		}
		if item.End != nil {
			ev.End = item.End.DateTime
			if ev.End == "" {
				ev.End = item.End.Date
			}
		}
		output.Events = append(output.Events, ev)
	}
	output.Count = len(output.Events)
	return nil, output, nil
}

func (s *Server) handleDayTool(ctx context.Context, req *mcp.CallToolRequest, input DayInput) (*mcp.CallToolResult, DayOutput, error) {
	day := time.Now()
	if input.Date != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, input.Date, time.Local)
		if err != nil {
			return nil, DayOutput{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", input.Date)
		}
		day = parsed
	}

	api, err := s.toolCalendar(ctx)
	if err != nil {
		return nil, DayOutput{}, err
	}
	events, err := calendar.MemberEvents(ctx, api, s.settings, day)
	if err != nil {
		return nil, DayOutput{}, fmt.Errorf("failed to load family events: %w", err)
	}
	if events == nil {
		events = []calendar.Event{}
	}
	return nil, DayOutput{Date: day.Format(time.DateOnly), Events: events, Count: len(events)}, nil
}
