package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeAPIKey   = "apikey"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Auth     AuthConfig        `yaml:"auth"`
	Pool     PoolConfig        `yaml:"pool"`
	Upstream UpstreamConfig    `yaml:"upstream"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	return c.Upstream.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds API authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "apikey": keys are loaded from KeysFile and hot-reloaded on change.
type AuthConfig struct {
	Mode     string `yaml:"mode"`
	KeysFile string `yaml:"keys_file"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeAPIKey)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeAPIKey && c.KeysFile == "" {
		return fmt.Errorf("auth: mode is %q but keys_file is empty", AuthModeAPIKey)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeAPIKey
}

// PoolConfig tunes matching and lifecycle policy.
type PoolConfig struct {
	CooldownDays     int           `yaml:"cooldown_days"`
	ConfirmGraceDays int           `yaml:"confirm_grace_days"`
	VerifyWindowDays int           `yaml:"verify_window_days"`
	MinScore         float64       `yaml:"min_score"`
	ContributionCap  int           `yaml:"contribution_cap"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Validate validates the pool configuration.
func (c *PoolConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.CooldownDays, validation.Min(0)),
		validation.Field(&c.ConfirmGraceDays, validation.Min(0)),
		validation.Field(&c.VerifyWindowDays, validation.Min(0)),
		validation.Field(&c.MinScore, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.ContributionCap, validation.Min(0)),
	)
}

// UpstreamConfig holds the base URLs for the external collaborators. Empty
// authority/classifier URLs disable the corresponding best-effort lookups.
type UpstreamConfig struct {
	AuthorityURL  string        `yaml:"authority_url"`
	ClassifierURL string        `yaml:"classifier_url"`
	OwnershipURL  string        `yaml:"ownership_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Validate validates the upstream configuration. Ownership verification is
// the only collaborator the engine cannot run without.
func (c *UpstreamConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.OwnershipURL, validation.Required),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./gebo.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Pool: PoolConfig{
			CooldownDays:     30,
			ConfirmGraceDays: 14,
			VerifyWindowDays: 7,
			MinScore:         0,
			ContributionCap:  10,
			SweepInterval:    time.Hour,
		},
		Upstream: UpstreamConfig{
			OwnershipURL: "http://localhost:9090",
			Timeout:      30 * time.Second,
		},
	}
}
