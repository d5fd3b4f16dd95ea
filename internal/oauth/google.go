package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// CallbackPath is where Google redirects the browser after consent.
const CallbackPath = "/api/auth/callback"

// Scopes requested at login. Read-only access is enough to render the day view.
var Scopes = []string{calendar.CalendarReadonlyScope}

var (
	// ErrTokenExchange is returned when the token endpoint rejects an authorization code.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrTokenRefresh is returned when the token endpoint rejects a refresh token.
	ErrTokenRefresh = errors.New("token refresh failed")
)

// TokenResponse is the part of Google's token response folded into a session.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// ExpiresAtMillis returns the access token expiry as epoch milliseconds.
// A response without expires_in is treated as already expiring at now.
func (t *TokenResponse) ExpiresAtMillis(now time.Time) int64 {
	if t.Expiry.IsZero() {
		return now.UnixMilli()
	}
	return t.Expiry.UnixMilli()
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string          // Backend base URL, the redirect URI is derived from it
	Endpoint     oauth2.Endpoint // Defaults to google.Endpoint
	HTTPClient   *http.Client    // Used for token endpoint calls
}

// Client talks to Google's authorization and token endpoints.
type Client struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewClient creates a Client for the given credentials.
func NewClient(cfg ClientConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	// Credentials always travel in the form body, so a failed call is never retried with another auth style.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.BaseURL + CallbackPath,
			Scopes:       Scopes,
		},
		httpClient: httpClient,
	}
}

// RedirectURL returns the registered callback URL.
func (c *Client) RedirectURL() string {
	return c.config.RedirectURL
}

// AuthURL builds the consent URL. AccessTypeOffline and ApprovalForce make
// Google return a refresh token on every login.
func (c *Client) AuthURL(state, codeChallenge string) string {
	return c.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code and its PKCE verifier for tokens.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	token, err := c.config.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		logRetrieveError("token exchange rejected", err)
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	return fromToken(token), nil
}

// Refresh obtains a new access token from a stored refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrTokenRefresh)
	}
	src := c.config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		logRetrieveError("token refresh rejected", err)
		return nil, fmt.Errorf("%w: %w", ErrTokenRefresh, err)
	}
	return fromToken(token), nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func fromToken(t *oauth2.Token) *TokenResponse {
	return &TokenResponse{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

// logRetrieveError records the upstream response body, which is never shown to clients.
func logRetrieveError(msg string, err error) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		slog.Error(msg, "status", status, "error_code", re.ErrorCode, "body", string(re.Body))
		return
	}
	slog.Error(msg, "error", err)
}
