package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"family-calendar/internal/oauth"
)

func tokenServer(t *testing.T, calls *atomic.Int32, check func(form url.Values)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error: %v", err)
		}
		if check != nil {
			check(r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"local-access","refresh_token":"local-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scopes:       oauth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example.test/auth",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// browser simulates the user consenting: it follows the redirect_uri with
// the given code and the state from the consent URL.
func browser(t *testing.T, code string, tamperState bool) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			t.Fatalf("bad auth URL: %v", err)
		}
		q := u.Query()
		if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
			t.Errorf("auth URL %q lacks PKCE parameters", authURL)
		}
		if q.Get("access_type") != "offline" {
			t.Errorf("access_type = %q, want offline", q.Get("access_type"))
		}
		state := q.Get("state")
		if tamperState {
			state = "forged"
		}
		resp, err := http.Get(q.Get("redirect_uri") + "?code=" + code + "&state=" + url.QueryEscape(state))
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

func TestLogin(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(form url.Values) {
		if form.Get("code") != "the-code" {
			t.Errorf("code = %q, want the-code", form.Get("code"))
		}
		if len(form.Get("code_verifier")) != 128 {
			t.Errorf("code_verifier length = %d, want 128", len(form.Get("code_verifier")))
		}
	})

	tok, err := Login(context.Background(), testConfig(srv.URL), LoginOptions{
		OpenBrowser: browser(t, "the-code", false),
		Timeout:     5 * time.Second,
		Out:         io.Discard,
	})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if tok.AccessToken != "local-access" || tok.RefreshToken != "local-refresh" {
		t.Errorf("token = %+v", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint calls = %d, want 1", calls.Load())
	}
}

func TestLogin_StateMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, nil)

	_, err := Login(context.Background(), testConfig(srv.URL), LoginOptions{
		OpenBrowser: browser(t, "the-code", true),
		Timeout:     5 * time.Second,
		Out:         io.Discard,
	})
	if err == nil || !strings.Contains(err.Error(), "invalid state") {
		t.Errorf("Login() error = %v, want invalid state", err)
	}
	if calls.Load() != 0 {
		t.Errorf("token endpoint calls = %d, want 0", calls.Load())
	}
}

func TestLogin_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Login(ctx, testConfig("http://127.0.0.1:1/token"), LoginOptions{
		OpenBrowser: func(string) error { cancel(); return nil },
		Out:         io.Discard,
	})
	if err != context.Canceled {
		t.Errorf("Login() error = %v, want context.Canceled", err)
	}
}

func TestReadCallback(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  bool
	}{
		{"valid", "?code=abc&state=s1", "abc", false},
		{"provider error", "?error=access_denied&state=s1", "", true},
		{"wrong state", "?code=abc&state=s2", "", true},
		{"missing code", "?state=s1", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, callbackPath+tc.query, nil)
			res := readCallback(r, "s1")
			if (res.err != nil) != tc.wantErr {
				t.Errorf("readCallback() error = %v, wantErr %v", res.err, tc.wantErr)
			}
			if res.code != tc.wantCode {
				t.Errorf("readCallback() code = %q, want %q", res.code, tc.wantCode)
			}
		})
	}
}

func TestSaveToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", TokenFile)
	want := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}

	if err := SaveToken(path, want); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	got, err := TokenFromFile(path)
	if err != nil {
		t.Fatalf("TokenFromFile() error: %v", err)
	}
	if got.AccessToken != "a" || got.RefreshToken != "r" {
		t.Errorf("TokenFromFile() = %+v, want %+v", got, want)
	}
}

func TestClient_NoToken(t *testing.T) {
	_, err := Client(context.Background(), testConfig("http://unused"), filepath.Join(t.TempDir(), "missing.json"))
	if err != ErrNoToken {
		t.Errorf("Client() error = %v, want ErrNoToken", err)
	}
}

func TestClient_PersistsRefreshedToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(form url.Values) {
		if form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", form.Get("grant_type"))
		}
	})
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer local-access" {
			t.Errorf("Authorization = %q, want refreshed token", got)
		}
	}))
	defer api.Close()

	path := filepath.Join(t.TempDir(), TokenFile)
	expired := &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}
	if err := SaveToken(path, expired); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}

	client, err := Client(context.Background(), testConfig(srv.URL), path)
	if err != nil {
		t.Fatalf("Client() error: %v", err)
	}
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	resp.Body.Close()

	saved, err := TokenFromFile(path)
	if err != nil {
		t.Fatalf("TokenFromFile() error: %v", err)
	}
	if saved.AccessToken != "local-access" {
		t.Errorf("saved AccessToken = %q, want local-access", saved.AccessToken)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint calls = %d, want 1", calls.Load())
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), CredentialsFile)
	creds := `{"installed":{"client_id":"cid","client_secret":"secret","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`
	if err := os.WriteFile(path, []byte(creds), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ClientID != "cid" || cfg.ClientSecret != "secret" {
		t.Errorf("LoadConfig() = %+v", cfg)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Error("LoadConfig() on missing file succeeded")
	}
}
