// Package auth provides the local OAuth2 login used by the command-line tools.
// It runs the authorization-code flow with PKCE against a loopback redirect
// and keeps the resulting token in the user's credentials directory.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"family-calendar/internal/oauth"
)

const (
	// CredentialsFile is the name of the OAuth credentials file.
	CredentialsFile = "google_credentials.json"
	// TokenFile is the name of the token file.
	TokenFile = "family_calendar_token.json"

	callbackPath = "/oauth2callback"
)

// ErrNoToken is returned when no token has been saved yet.
var ErrNoToken = errors.New("no saved token, run `family-calendar login` first")

// GetCredentialsPath returns the path to the credentials directory.
func GetCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".credentials")
}

// DefaultCredentialsFile is the OAuth client file inside the credentials directory.
func DefaultCredentialsFile() string {
	return filepath.Join(GetCredentialsPath(), CredentialsFile)
}

// DefaultTokenFile is the token file inside the credentials directory.
func DefaultTokenFile() string {
	return filepath.Join(GetCredentialsPath(), TokenFile)
}

// LoadConfig reads a Google OAuth client file (installed or web type).
func LoadConfig(path string) (*oauth2.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file %s: %w", path, err)
	}
	config, err := google.ConfigFromJSON(b, oauth.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

// LoginOptions tunes the loopback flow.
type LoginOptions struct {
	// Addr is the loopback listen address. Defaults to 127.0.0.1:0.
	Addr string
	// OpenBrowser opens the consent page. Defaults to the platform opener.
	OpenBrowser func(url string) error
	// Timeout bounds the wait for the browser callback. Defaults to 3 minutes.
	Timeout time.Duration
	// Out receives the instructions printed to the user. Defaults to stderr.
	Out io.Writer
}

type callbackResult struct {
	code string
	err  error
}

// Login runs the authorization-code + PKCE flow through a local callback
// server and returns the token.
func Login(ctx context.Context, config *oauth2.Config, opts LoginOptions) (*oauth2.Token, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = openBrowser
	}
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}

	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}
	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("unable to start callback listener: %w", err)
	}

	cfg := *config
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		res := readCallback(r, state)
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body>
<h1>Authentication successful!</h1>
<p>You can close this window and return to the terminal.</p>
</body></html>`)
		}
		select {
		case results <- res:
		default:
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- callbackResult{err: err}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
	fmt.Fprintf(opts.Out, "Opening browser for authentication...\n")
	fmt.Fprintf(opts.Out, "If browser doesn't open, visit:\n%v\n\n", authURL)
	if err := opts.OpenBrowser(authURL); err != nil {
		fmt.Fprintf(opts.Out, "Could not open browser: %v\n", err)
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(opts.Timeout):
		return nil, fmt.Errorf("authentication timeout after %s", opts.Timeout)
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return tok, nil
}

func readCallback(r *http.Request, state string) callbackResult {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return callbackResult{err: fmt.Errorf("authorization denied: %s", e)}
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(state)) != 1 {
		return callbackResult{err: errors.New("invalid state in callback")}
	}
	code := q.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("no code in callback")}
	}
	return callbackResult{code: code}
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	return cmd.Start()
}

// Client returns an HTTP client authorised with the saved token. Refreshed
// tokens are written back to path.
func Client(ctx context.Context, config *oauth2.Config, path string) (*http.Client, error) {
	tok, err := TokenFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read token %s: %w", path, err)
	}
	ts := &savingTokenSource{
		base: config.TokenSource(ctx, tok),
		path: path,
		last: tok.AccessToken,
	}
	return oauth2.NewClient(ctx, ts), nil
}

// savingTokenSource persists the token each time the access token changes.
type savingTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := SaveToken(s.path, tok); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: unable to save token: %v\n", err)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

// TokenFromFile reads a token saved by SaveToken.
func TokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	token := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(token)
	return token, err
}

// SaveToken writes token to path, readable by the owner only.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(token)
}
