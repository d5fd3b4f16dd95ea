package calendar

import (
	"context"
	"log/slog"
	"sort"
	"time"

	gcal "google.golang.org/api/calendar/v3"
)

// NoTitle replaces an empty event summary.
const NoTitle = "(no title)"

// Event is the flat shape rendered in a member column.
type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StartHour   int    `json:"startHour"`
	EndHour     int    `json:"endHour"`
	Member      string `json:"member"`
	Color       string `json:"color"`
	CalendarID  string `json:"calendarId,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	AllDay      bool   `json:"allDay,omitempty"`
}

// ToEvent maps a Google event onto member's column. Hours are taken in loc;
// all-day events (date only) start and end at hour 0.
func ToEvent(item *gcal.Event, member FamilyCalendarConfig, loc *time.Location) Event {
	title := item.Summary
	if title == "" {
		title = NoTitle
	}
	return Event{
		ID:          item.Id,
		Title:       title,
		StartHour:   hourOf(item.Start, loc),
		EndHour:     hourOf(item.End, loc),
		Member:      member.Member,
		Color:       member.Color,
		Description: item.Description,
		Location:    item.Location,
		AllDay:      item.Start != nil && item.Start.DateTime == "" && item.Start.Date != "",
	}
}

func hourOf(t *gcal.EventDateTime, loc *time.Location) int {
	if t == nil || t.DateTime == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return 0
	}
	return parsed.In(loc).Hour()
}

// EventLister lists the events of one calendar.
type EventLister interface {
	ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) (*gcal.Events, error)
}

// DayBounds returns the RFC 3339 start and end of day in its location.
func DayBounds(day time.Time) (string, string) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano)
}

// MemberEvents fetches the events of day for every configured member, one
// calendar at a time. A failing calendar is logged and skipped; the error
// returned is the last such failure, if no calendar succeeded.
func MemberEvents(ctx context.Context, lister EventLister, settings *Settings, day time.Time) ([]Event, error) {
	timeMin, timeMax := DayBounds(day)

	var (
		events    []Event
		lastErr   error
		succeeded bool
	)
	for _, member := range settings.FamilyCalendars {
		for _, calendarID := range member.CalendarIDs {
			result, err := lister.ListEvents(ctx, calendarID, timeMin, timeMax)
			if err != nil {
				slog.Warn("Failed to fetch member events", "member", member.Member, "calendar", calendarID, "error", err)
				lastErr = err
				continue
			}
			succeeded = true
			for _, item := range result.Items {
				ev := ToEvent(item, member, day.Location())
				ev.CalendarID = calendarID
				events = append(events, ev)
			}
		}
	}

	if !succeeded && lastErr != nil {
		return nil, lastErr
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartHour < events[j].StartHour
	})
	return events, nil
}
