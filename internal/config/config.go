// Package config loads the family-calendar backend configuration from the
// environment, an optional .env file and command-line flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/google"

	"family-calendar/internal/oauth"
)

// ErrMissingCredentials is returned when no OAuth client id/secret can be found.
var ErrMissingCredentials = errors.New("missing Google OAuth client credentials")

// Session store backends.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StoreSQLite    = "sqlite"
	StorePostgres  = "postgres"
)

// Config holds the backend configuration.
type Config struct {
	Port               int     `mapstructure:"port"`
	GoogleClientID     string  `mapstructure:"google_client_id"`
	GoogleClientSecret string  `mapstructure:"google_client_secret"`
	CredentialsFile    string  `mapstructure:"google_credentials_file"`
	BaseURL            string  `mapstructure:"base_url"`
	FrontendURL        string  `mapstructure:"frontend_url"`
	Environment        string  `mapstructure:"app_env"`
	LogLevel           string  `mapstructure:"log_level"`
	CORSOrigins        string  `mapstructure:"cors_origins"`
	SessionStore       string  `mapstructure:"session_store"`
	FirestoreProject   string  `mapstructure:"firestore_project"`
	SQLitePath         string  `mapstructure:"sqlite_path"`
	DatabaseURL        string  `mapstructure:"database_url"`
	SecretProject      string  `mapstructure:"secret_project"`
	SecretName         string  `mapstructure:"secret_name"`
	RateLimitRPS       float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

var defaults = map[string]any{
	"port":                    8000,
	"google_client_id":        "",
	"google_client_secret":    "",
	"google_credentials_file": "",
	"base_url":                "http://localhost:8000",
	"frontend_url":            "http://localhost:5173",
	"app_env":                 "development",
	"log_level":               "info",
	"cors_origins":            "",
	"session_store":           StoreMemory,
	"firestore_project":       "",
	"sqlite_path":             "sessions.db",
	"database_url":            "",
	"secret_project":          "",
	"secret_name":             "",
	"rate_limit_rps":          10.0,
	"rate_limit_burst":        30,
}

// NewViper returns a viper instance with defaults and environment binding.
// Flags may be bound onto it before Load is called.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	// DENO_ENV is still honoured for existing deployments.
	v.BindEnv("app_env", "APP_ENV", "DENO_ENV")
	return v
}

// LoadDotEnv reads .env files into the process environment if they exist.
// Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	cfg.SessionStore = strings.ToLower(cfg.SessionStore)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that do not depend on external services.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Port)
	}
	if err := validateURL("BASE_URL", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("FRONTEND_URL", c.FrontendURL); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.SessionStore {
	case StoreMemory:
	case StoreFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT is required for the firestore session store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite session store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres session store")
		}
	default:
		return fmt.Errorf("unknown session store %q (valid: memory, firestore, sqlite, postgres)", c.SessionStore)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got %q", name, raw)
	}
	return nil
}

// IsProduction reports whether cookies must be Secure and SameSite=Strict.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AllowedOrigins returns the CORS allow-list. The frontend is always included.
func (c *Config) AllowedOrigins() []string {
	origins := []string{c.FrontendURL}
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" && o != c.FrontendURL {
			origins = append(origins, o)
		}
	}
	return origins
}

// accessSecret is replaced in tests.
var accessSecret = func(ctx context.Context, project, name string) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	defer client.Close()

	secretPath := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, name)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", secretPath, err)
	}
	return result.Payload.Data, nil
}

// LoadCredentials fills GoogleClientID and GoogleClientSecret.
// Priority: 1) environment, 2) Secret Manager, 3) credentials file.
func (c *Config) LoadCredentials(ctx context.Context) error {
	if c.GoogleClientID != "" && c.GoogleClientSecret != "" {
		return nil
	}

	var credentialsJSON []byte
	if c.SecretProject != "" && c.SecretName != "" {
		data, err := accessSecret(ctx, c.SecretProject, c.SecretName)
		if err != nil {
			slog.Warn("Failed to load credentials from Secret Manager", "error", err)
		} else {
			slog.Info("OAuth credentials loaded from Secret Manager", "project", c.SecretProject, "secret", c.SecretName)
			credentialsJSON = data
		}
	}

	if credentialsJSON == nil && c.CredentialsFile != "" {
		data, err := os.ReadFile(c.CredentialsFile)
		if err != nil {
			return fmt.Errorf("failed to read credentials file %s: %w", c.CredentialsFile, err)
		}
		slog.Info("OAuth credentials loaded from file", "path", c.CredentialsFile)
		credentialsJSON = data
	}

	if credentialsJSON == nil {
		return ErrMissingCredentials
	}

	oc, err := google.ConfigFromJSON(credentialsJSON, oauth.Scopes...)
	if err != nil {
		return fmt.Errorf("failed to parse OAuth credentials: %w", err)
	}
	c.GoogleClientID = oc.ClientID
	c.GoogleClientSecret = oc.ClientSecret
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}
