package calendar

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// TimeRange is the visible hour window of the day grid.
type TimeRange struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// FamilyCalendarConfig binds one household member to their calendars.
type FamilyCalendarConfig struct {
	ID          string   `json:"id"`
	Member      string   `json:"member"`
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	CalendarIDs []string `json:"calendarIds"`
}

// Settings is the persisted display configuration.
type Settings struct {
	TimeRange       TimeRange              `json:"timeRange"`
	FamilyCalendars []FamilyCalendarConfig `json:"familyCalendars"`
}

// Colours are # plus 3 to 6 hex digits. Random colours picked in the
// browser drop leading zeros, so 4 and 5 digit values occur.
var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{3,6}$`)

// ParseColor returns the RGB components of a member colour. #rgb is the CSS
// shorthand; other lengths are a hex number without its leading zeros.
func ParseColor(color string) (r, g, b uint8, ok bool) {
	if !colorPattern.MatchString(color) {
		return 0, 0, 0, false
	}
	digits := color[1:]
	if len(digits) == 3 {
		digits = string([]byte{digits[0], digits[0], digits[1], digits[1], digits[2], digits[2]})
	}
	n, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint8(n >> 16), uint8(n >> 8), uint8(n), true
}

// DefaultSettings returns the built-in household.
func DefaultSettings() *Settings {
	return &Settings{
		TimeRange: TimeRange{StartHour: 6, EndHour: 23},
		FamilyCalendars: []FamilyCalendarConfig{
			{ID: "father", Member: "father", Name: "Father", Color: "#1d4ed8", CalendarIDs: []string{}},
			{ID: "mother", Member: "mother", Name: "Mother", Color: "#dc2626", CalendarIDs: []string{}},
			{ID: "son1", Member: "son1", Name: "Elder son", Color: "#059669", CalendarIDs: []string{}},
			{ID: "son2", Member: "son2", Name: "Younger son", Color: "#d97706", CalendarIDs: []string{}},
		},
	}
}

// Validate checks the hour window and every member entry.
func (s *Settings) Validate() error {
	tr := s.TimeRange
	if tr.StartHour < 0 || tr.EndHour > 24 || tr.StartHour >= tr.EndHour {
		return fmt.Errorf("invalid time range %d-%d", tr.StartHour, tr.EndHour)
	}

	seen := make(map[string]bool)
	for i, fc := range s.FamilyCalendars {
		if fc.ID == "" || fc.Member == "" {
			return fmt.Errorf("family calendar %d: id and member are required", i)
		}
		if seen[fc.ID] {
			return fmt.Errorf("family calendar %d: duplicate id %q", i, fc.ID)
		}
		seen[fc.ID] = true
		if !colorPattern.MatchString(fc.Color) {
			return fmt.Errorf("family calendar %q: invalid color %q", fc.ID, fc.Color)
		}
		if fc.CalendarIDs == nil {
			return fmt.Errorf("family calendar %q: calendarIds is required", fc.ID)
		}
	}
	return nil
}

// Member returns the configuration for member, if any.
func (s *Settings) Member(member string) (FamilyCalendarConfig, bool) {
	for _, fc := range s.FamilyCalendars {
		if fc.Member == member {
			return fc, true
		}
	}
	return FamilyCalendarConfig{}, false
}

// DefaultSettingsPath returns ~/.config/family-calendar/settings.json.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "family-calendar", "settings.json")
}

// LoadSettings reads the settings file. A missing, unreadable or invalid
// file yields DefaultSettings.
func LoadSettings(path string) *Settings {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read settings, using defaults", "path", path, "error", err)
		}
		return DefaultSettings()
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		slog.Warn("Corrupt settings file, using defaults", "path", path, "error", err)
		return DefaultSettings()
	}
	if err := s.Validate(); err != nil {
		slog.Warn("Invalid settings file, using defaults", "path", path, "error", err)
		return DefaultSettings()
	}
	return &s
}

// SaveSettings validates s and writes it to path.
func SaveSettings(path string, s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
