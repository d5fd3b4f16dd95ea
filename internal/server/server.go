// Package server provides the HTTP backend of family-calendar: the Google
// login flow, the Calendar proxy and an MCP endpoint for assistants.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	gcal "google.golang.org/api/calendar/v3"

	"family-calendar/internal/calendar"
	"family-calendar/internal/herr"
	"family-calendar/internal/oauth"
	"family-calendar/internal/session"
)

// OAuthClient is the part of oauth.Client the handlers use.
type OAuthClient interface {
	AuthURL(state, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*oauth.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error)
}

// CalendarAPI is the part of calendar.Service the handlers use.
type CalendarAPI interface {
	ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) (*gcal.Events, error)
	ListCalendars(ctx context.Context) (*gcal.CalendarList, error)
}

// CalendarFactory builds a Calendar client for one access token.
type CalendarFactory func(ctx context.Context, accessToken string) (CalendarAPI, error)

// Config holds the server configuration.
type Config struct {
	Addr           string
	FrontendURL    string
	Production     bool
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Deps are the collaborators injected into the server.
type Deps struct {
	Sessions *session.Manager
	OAuth    OAuthClient
	Calendar CalendarFactory    // defaults to calendar.NewService
	Settings *calendar.Settings // household used by the MCP family_day tool
	Metrics  *Metrics
}

// Server wraps the HTTP handlers and the MCP server.
type Server struct {
	config     *Config
	sessions   *session.Manager
	oauth      OAuthClient
	calendar   CalendarFactory
	settings   *calendar.Settings
	metrics    *Metrics
	mcpServer  *mcp.Server
	handler    http.Handler
	httpServer *http.Server
}

// New creates a Server with its routes and middleware.
func New(cfg *Config, deps Deps) *Server {
	s := &Server{
		config:   cfg,
		sessions: deps.Sessions,
		oauth:    deps.OAuth,
		calendar: deps.Calendar,
		settings: deps.Settings,
		metrics:  deps.Metrics,
	}
	if s.calendar == nil {
		s.calendar = func(ctx context.Context, accessToken string) (CalendarAPI, error) {
			return calendar.NewService(ctx, accessToken)
		}
	}
	if s.settings == nil {
		s.settings = calendar.DefaultSettings()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "family-calendar",
		Version: "1.0.0",
	}, nil)
	s.registerTools()

	s.handler = Chain(s.routes(),
		s.metrics.Middleware(),
		Logger(),
		Recover(),
		SecurityHeaders(),
		CORS(cfg.AllowedOrigins),
		RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	for pattern, h := range map[string]http.Handler{
		"/api/auth/login":      herr.Wrap(s.handleLogin),
		"/api/auth/callback":   herr.Wrap(s.handleCallback),
		"/api/auth/status":     herr.Wrap(s.handleStatus),
		"/api/calendar/events": herr.Wrap(s.handleCalendarEvents),
		"/api/calendar/list":   herr.Wrap(s.handleCalendarList),
		"/health":              herr.Wrap(s.handleHealth),
		"/metrics":             s.metrics.Handler(),
	} {
		mux.Handle("GET "+pattern, h)
		// GET patterns also match HEAD; routes answer one method only.
		mux.HandleFunc("HEAD "+pattern, notFound)
	}
	mux.Handle("POST /api/auth/logout", herr.Wrap(s.handleLogout))
	mux.Handle("/mcp", s.mcpHandler())
	// Unknown paths and known paths with the wrong method.
	mux.HandleFunc("/", notFound)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ServeMux would redirect unclean paths; routing is exact.
		if r.URL.Path != "/" && path.Clean(r.URL.Path) != r.URL.Path {
			notFound(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) *herr.Error {
	return herr.JSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.sessions.StartJanitor(ctx, 10*time.Minute)

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", s.config.Addr, "production", s.config.Production)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("Server stopped")
	return nil
}
