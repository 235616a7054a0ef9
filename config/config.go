package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the configuration file
const (
	EnvGitHubClientID     = "GITHUB_CLIENT_ID"
	EnvGitHubClientSecret = "GITHUB_CLIENT_SECRET"
	EnvGitHubRedirectURI  = "GITHUB_REDIRECT_URI"
	EnvSecretKey          = "SECRET_KEY"
	EnvDatabaseURL        = "DATABASE_URL"
)

// MaxPageSize is the largest page GitHub serves for list endpoints
const MaxPageSize = 100

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config represents the application configuration
type Config struct {
	GitHub   GitHubConfig   `json:"github" yaml:"github" toml:"github"`
	Database DatabaseConfig `json:"database" yaml:"database" toml:"database"`
	Session  SessionConfig  `json:"session" yaml:"session" toml:"session"`
	Sync     SyncConfig     `json:"sync" yaml:"sync" toml:"sync"`
	Log      LogConfig      `json:"log" yaml:"log" toml:"log"`
}

// GitHubConfig configures the REST client and the OAuth application
type GitHubConfig struct {
	APIBaseURL        string   `json:"api_base_url" yaml:"api_base_url" toml:"api_base_url" validate:"omitempty,url"`
	OAuthAuthorizeURL string   `json:"oauth_authorize_url" yaml:"oauth_authorize_url" toml:"oauth_authorize_url" validate:"omitempty,url"`
	OAuthTokenURL     string   `json:"oauth_token_url" yaml:"oauth_token_url" toml:"oauth_token_url" validate:"omitempty,url"`
	ClientID          string   `json:"client_id" yaml:"client_id" toml:"client_id" validate:"required"`
	ClientSecret      string   `json:"client_secret" yaml:"client_secret" toml:"client_secret" validate:"required"`
	RedirectURI       string   `json:"redirect_uri" yaml:"redirect_uri" toml:"redirect_uri" validate:"omitempty,url"`
	Scopes            []string `json:"scopes" yaml:"scopes" toml:"scopes"`
	UserAgent         string   `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
	RequestTimeout    Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	MaxRetries        int      `json:"max_retries" yaml:"max_retries" toml:"max_retries" validate:"gte=0,lte=10"`
	RetryBackoff      Duration `json:"retry_backoff" yaml:"retry_backoff" toml:"retry_backoff"`
	RateLimit         float64  `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit" validate:"gte=0"`
	RateBurst         int      `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst" validate:"gte=0"`
}

// DatabaseConfig selects the local store. URL is either a SQLite path
// (optionally prefixed with sqlite://) or a postgres:// connection string.
type DatabaseConfig struct {
	URL              string   `json:"url" yaml:"url" toml:"url" validate:"required"`
	OperationTimeout Duration `json:"operation_timeout" yaml:"operation_timeout" toml:"operation_timeout"`
}

// SessionConfig configures bearer credential issuance
type SessionConfig struct {
	SecretKey string   `json:"secret_key" yaml:"secret_key" toml:"secret_key" validate:"required,min=16"`
	Issuer    string   `json:"issuer" yaml:"issuer" toml:"issuer"`
	TTL       Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
}

// SyncConfig bounds the work a single sync run may do
type SyncConfig struct {
	PageSize               int      `json:"page_size" yaml:"page_size" toml:"page_size" validate:"gte=0,lte=100"`
	MaxPages               int      `json:"max_pages" yaml:"max_pages" toml:"max_pages" validate:"gte=0"`
	FanOutConcurrency      int      `json:"fanout_concurrency" yaml:"fanout_concurrency" toml:"fanout_concurrency" validate:"gte=0,lte=20"`
	MaxPullRequestDetails  int      `json:"max_pull_request_details" yaml:"max_pull_request_details" toml:"max_pull_request_details" validate:"gte=0"`
	LoginPullRequestStates []string `json:"login_pull_request_states" yaml:"login_pull_request_states" toml:"login_pull_request_states" validate:"dive,oneof=open closed merged all"`
}

// LogConfig configures the zap logger built by the CLI
type LogConfig struct {
	Level       string `json:"level" yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `json:"development" yaml:"development" toml:"development"`
}

// Duration is a time.Duration that reads and writes as a string such as "30s"
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns a configuration with every optional value filled in
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.GitHub.APIBaseURL == "" {
		c.GitHub.APIBaseURL = "https://api.github.com/"
	}
	if len(c.GitHub.Scopes) == 0 {
		c.GitHub.Scopes = []string{"repo", "user:email"}
	}
	if c.GitHub.UserAgent == "" {
		c.GitHub.UserAgent = "github-mirror"
	}
	if c.GitHub.RequestTimeout == 0 {
		c.GitHub.RequestTimeout = Duration(30 * time.Second)
	}
	if c.GitHub.MaxRetries == 0 {
		c.GitHub.MaxRetries = 3
	}
	if c.GitHub.RetryBackoff == 0 {
		c.GitHub.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if c.GitHub.RateLimit == 0 {
		c.GitHub.RateLimit = 10
	}
	if c.GitHub.RateBurst == 0 {
		c.GitHub.RateBurst = 5
	}

	if c.Database.URL == "" {
		c.Database.URL = "github_mirror.db"
	}
	if c.Database.OperationTimeout == 0 {
		c.Database.OperationTimeout = Duration(10 * time.Second)
	}

	if c.Session.Issuer == "" {
		c.Session.Issuer = "github-mirror"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = Duration(30 * time.Minute)
	}

	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = MaxPageSize
	}
	if c.Sync.MaxPages == 0 {
		c.Sync.MaxPages = 50
	}
	if c.Sync.FanOutConcurrency == 0 {
		c.Sync.FanOutConcurrency = 4
	}
	if c.Sync.MaxPullRequestDetails == 0 {
		c.Sync.MaxPullRequestDetails = 300
	}
	if len(c.Sync.LoginPullRequestStates) == 0 {
		c.Sync.LoginPullRequestStates = []string{"open"}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// LoadConfig loads the configuration from a JSON, YAML or TOML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := decode(path, data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A .env file next to the config feeds the environment overrides
	configDir := filepath.Dir(path)
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	config.applyEnv()
	config.applyDefaults()

	// Make a SQLite database path absolute if it's relative
	config.Database.URL = resolveDatabaseURL(config.Database.URL, configDir)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvGitHubClientID:     &c.GitHub.ClientID,
		EnvGitHubClientSecret: &c.GitHub.ClientSecret,
		EnvGitHubRedirectURI:  &c.GitHub.RedirectURI,
		EnvSecretKey:          &c.Session.SecretKey,
		EnvDatabaseURL:        &c.Database.URL,
	}
	for name, field := range overrides {
		if value := os.Getenv(name); value != "" {
			*field = value
		}
	}
}

// Validate checks the configuration against its struct constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsPostgres reports whether the database URL selects PostgreSQL
func (c DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(c.URL, "postgres://") || strings.HasPrefix(c.URL, "postgresql://")
}

func resolveDatabaseURL(dbURL, configDir string) string {
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		return dbURL
	}
	path := strings.TrimPrefix(dbURL, "sqlite://")
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

func decode(path string, data []byte, out *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	case ".toml":
		_, err := toml.Decode(string(data), out)
		return err
	default:
		return json.Unmarshal(data, out)
	}
}

func encode(path string, config *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(config)
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(config); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.MarshalIndent(config, "", "  ")
	}
}

// SaveConfig saves the configuration in the format implied by the file extension
func SaveConfig(config *Config, path string) error {
	data, err := encode(path, config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := Default()
	config.GitHub.ClientID = "your-client-id"
	config.GitHub.ClientSecret = "your-client-secret"
	config.GitHub.RedirectURI = "http://localhost:3000/auth/callback"
	config.Session.SecretKey = "change-me-to-a-long-random-secret"

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}
