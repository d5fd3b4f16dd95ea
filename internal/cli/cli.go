// Package cli provides the command-line interface for family-calendar.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"family-calendar/internal/calendar"
	"family-calendar/internal/config"
	"family-calendar/internal/oauth"
	"family-calendar/internal/server"
	"family-calendar/internal/session"
	"family-calendar/pkg/auth"
)

// Version information
const Version = "0.1.0"

// RootCmd is the root command for the CLI.
var RootCmd = &cobra.Command{
	Use:   "family-calendar",
	Short: "Family Calendar - household schedule backed by Google Calendar",
	Long:  "Serve the family calendar backend and read the household schedule from Google Calendar",
}

// Serve command flags, bound onto viper keys.
var serveViper = config.NewViper()

// Local command flags
var (
	credentialsFile string
	tokenFile       string
	settingsFile    string
	todayDate       string
)

// Command definitions
var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("family-calendar version %s\n", Version)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP backend",
		Long: `Run the family calendar HTTP backend.

Configuration is read from the environment (and a .env file when present):
  PORT, BASE_URL, FRONTEND_URL, APP_ENV (or DENO_ENV), LOG_LEVEL
  GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET or GOOGLE_CREDENTIALS_FILE
  SECRET_PROJECT + SECRET_NAME to read credentials from Secret Manager
  SESSION_STORE: memory (default), firestore, sqlite, postgres
  FIRESTORE_PROJECT, SQLITE_PATH, DATABASE_URL
  CORS_ORIGINS, RATE_LIMIT_RPS, RATE_LIMIT_BURST

Flags override the environment.`,
		Example: `  # Development server with in-memory sessions
  family-calendar serve

  # Production with Firestore sessions
  APP_ENV=production SESSION_STORE=firestore FIRESTORE_PROJECT=my-project family-calendar serve`,
		RunE: runServe,
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Authorise the command-line tools with Google",
		Long: `Open the Google consent page and save a token for the local commands.

The OAuth client file is read from ~/.credentials/google_credentials.json
unless --credentials is given. The token is saved next to it.`,
		RunE: runLogin,
	}

	calendarsCmd = &cobra.Command{
		Use:   "calendars",
		Short: "List the calendars of the signed-in user",
		RunE:  runCalendars,
	}

	todayCmd = &cobra.Command{
		Use:   "today",
		Short: "Show the family schedule for a day",
		Long: `Show every family member's events for one day, ordered by start hour.

Members and their calendars come from the settings file.`,
		Example: `  # Today
  family-calendar today

  # Another day
  family-calendar today --date 2025-06-02`,
		RunE: runToday,
	}

	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Show or edit the family settings",
	}

	settingsShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the current settings",
		RunE:  runSettingsShow,
	}

	settingsAssignCmd = &cobra.Command{
		Use:   "assign <member> <calendar-id>...",
		Short: "Set the calendars shown for a member",
		Example: `  family-calendar settings assign son1 school@example.com family@example.com`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSettingsAssign,
	}
)

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(serveViper)
	if err != nil {
		return err
	}
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.LoadCredentials(ctx); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client := oauth.NewClient(oauth.ClientConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		BaseURL:      cfg.BaseURL,
	})
	slog.Info("OAuth client ready", "redirect_uri", client.RedirectURL(), "store", cfg.SessionStore)

	srv := server.New(&server.Config{
		Addr:           cfg.Addr(),
		FrontendURL:    cfg.FrontendURL,
		Production:     cfg.IsProduction(),
		AllowedOrigins: cfg.AllowedOrigins(),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, server.Deps{
		Sessions: session.NewManager(store),
		OAuth:    client,
		Settings: calendar.LoadSettings(settingsFile),
	})
	return srv.Run(ctx)
}

// openStore opens the configured session backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (session.Store, func() error, error) {
	switch cfg.SessionStore {
	case config.StoreFirestore:
		s, err := session.OpenFirestore(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreSQLite:
		s, err := session.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StorePostgres:
		s, err := session.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return session.NewMemoryStore(), func() error { return nil }, nil
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	oc, err := auth.LoadConfig(credentialsFile)
	if err != nil {
		return err
	}
	tok, err := auth.Login(cmd.Context(), oc, auth.LoginOptions{})
	if err != nil {
		return err
	}
	if err := auth.SaveToken(tokenFile, tok); err != nil {
		return fmt.Errorf("unable to save token: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Token saved to %s\n", green("✓"), tokenFile)
	return nil
}

func localService(ctx context.Context) (*calendar.Service, error) {
	oc, err := auth.LoadConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	client, err := auth.Client(ctx, oc, tokenFile)
	if err != nil {
		return nil, err
	}
	return calendar.NewServiceFromClient(ctx, client)
}

func runCalendars(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := localService(ctx)
	if err != nil {
		return err
	}
	list, err := svc.ListCalendars(ctx)
	if err != nil {
		return err
	}
	displayCalendarTable(os.Stdout, calendar.Calendars(list))
	return nil
}

func runToday(cmd *cobra.Command, args []string) error {
	day, err := parseDay(todayDate, time.Now())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := localService(ctx)
	if err != nil {
		return err
	}

	settings := calendar.LoadSettings(settingsFile)
	events, err := calendar.MemberEvents(ctx, svc, settings, day)
	if err != nil {
		return err
	}
	displayDay(os.Stdout, settings, day, events)
	return nil
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	settings := calendar.LoadSettings(settingsFile)
	fmt.Printf("# %s\n", settingsFile)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(settings)
}

func runSettingsAssign(cmd *cobra.Command, args []string) error {
	settings, err := assignCalendars(calendar.LoadSettings(settingsFile), args[0], args[1:])
	if err != nil {
		return err
	}
	if err := calendar.SaveSettings(settingsFile, settings); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s %s now shows %d calendar(s)\n", green("✓"), args[0], len(args)-1)
	return nil
}

// assignCalendars replaces the calendar ids of member.
func assignCalendars(settings *calendar.Settings, member string, calendarIDs []string) (*calendar.Settings, error) {
	ids := make([]string, 0, len(calendarIDs))
	for _, id := range calendarIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	fc, ok := settings.Member(member)
	if !ok {
		return nil, fmt.Errorf("unknown member %q", member)
	}
	for i := range settings.FamilyCalendars {
		if settings.FamilyCalendars[i].ID == fc.ID {
			settings.FamilyCalendars[i].CalendarIDs = ids
		}
	}
	return settings, nil
}

// parseDay parses YYYY-MM-DD in the local zone; empty means now.
func parseDay(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return day, nil
}

// displayCalendarTable prints calendars as aligned columns.
func displayCalendarTable(out io.Writer, calendars []calendar.CalendarInfo) {
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintf(out, "Found %d calendars:\n\n", len(calendars))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "%s\t%s\t%s\n", cyan("ID"), cyan("Name"), cyan("Access"))
	fmt.Fprintf(w, "%s\t%s\t%s\n",
		strings.Repeat("-", 30),
		strings.Repeat("-", 25),
		strings.Repeat("-", 10))

	for _, c := range calendars {
		name := c.Summary
		if c.Primary {
			name += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncate(c.ID, 30), truncate(name, 25), c.AccessRole)
	}
}

// displayDay prints the day's events, each member in their own colour.
func displayDay(out io.Writer, settings *calendar.Settings, day time.Time, events []calendar.Event) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(out, "%s\n\n", bold(day.Format("Monday 2 January 2006")))

	if len(events) == 0 {
		fmt.Fprintln(out, "No events.")
		return
	}

	names := make(map[string]string, len(settings.FamilyCalendars))
	for _, fc := range settings.FamilyCalendars {
		names[fc.Member] = fc.Name
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	for _, ev := range events {
		paint := memberColor(ev.Color).SprintFunc()
		name := names[ev.Member]
		if name == "" {
			name = ev.Member
		}
		line := fmt.Sprintf("%s\t%s\t%s", formatHours(ev), paint(name), truncate(ev.Title, 40))
		if ev.Location != "" {
			line += "  @ " + truncate(ev.Location, 30)
		}
		fmt.Fprintln(w, line)
	}
}

// memberColor maps a member colour to a terminal colour.
func memberColor(hex string) *color.Color {
	r, g, b, ok := calendar.ParseColor(hex)
	if !ok {
		return color.New(color.FgWhite)
	}
	return color.RGB(int(r), int(g), int(b))
}

// formatHours renders an event's hour span, e.g. "08:00-09:00".
func formatHours(ev calendar.Event) string {
	if ev.AllDay {
		return "all day"
	}
	return fmt.Sprintf("%02d:00-%02d:00", ev.StartHour, ev.EndHour)
}

// truncate shortens a string to the specified length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// Init initializes the CLI commands and flags.
func Init() {
	// Add version flag to root command
	RootCmd.Version = Version
	RootCmd.SetVersionTemplate("family-calendar version {{.Version}}\n")

	RootCmd.PersistentFlags().StringVar(&settingsFile, "settings", calendar.DefaultSettingsPath(), "Family settings file")

	// Setup serve command flags
	serveCmd.Flags().Int("port", 8000, "Listen port (PORT)")
	serveCmd.Flags().String("env", "development", "Environment: development or production (APP_ENV)")
	serveCmd.Flags().String("store", config.StoreMemory, "Session store: memory, firestore, sqlite, postgres (SESSION_STORE)")
	serveCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error (LOG_LEVEL)")
	bindServeFlag("port", "port")
	bindServeFlag("app_env", "env")
	bindServeFlag("session_store", "store")
	bindServeFlag("log_level", "log-level")

	// Setup local command flags
	for _, c := range []*cobra.Command{loginCmd, calendarsCmd, todayCmd} {
		c.Flags().StringVar(&credentialsFile, "credentials", auth.DefaultCredentialsFile(), "OAuth client credentials file")
		c.Flags().StringVar(&tokenFile, "token", auth.DefaultTokenFile(), "Saved token file")
	}
	todayCmd.Flags().StringVarP(&todayDate, "date", "d", "", "Day to show (YYYY-MM-DD, default today)")

	// Register commands
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsAssignCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(loginCmd)
	RootCmd.AddCommand(calendarsCmd)
	RootCmd.AddCommand(todayCmd)
	RootCmd.AddCommand(settingsCmd)
}

func bindServeFlag(key, flag string) {
	if err := serveViper.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
