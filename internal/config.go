package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/keygen"
	"github.com/starford/bibshelf/internal/memories"
	"github.com/starford/bibshelf/internal/registry"
	"github.com/starford/bibshelf/internal/watcher"
)

var extRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Library LibraryConfig     `yaml:"library"`
	Search  SearchConfig      `yaml:"search"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Library.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
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

// LibraryConfig holds the citation store settings.
type LibraryConfig struct {
	// DataDir holds the trash, queue and imported files.
	DataDir   string `yaml:"data_dir"`
	Extension string `yaml:"extension"`
	// Files are opened at startup after the remembered ones.
	Files []string `yaml:"files"`
	// Memories is where open and recent files are remembered. Defaults to
	// memories.yaml inside DataDir.
	Memories    string `yaml:"memories"`
	RecentLimit int    `yaml:"recent_limit"`

	BackupBeforeSave bool          `yaml:"backup_before_save"`
	MinKeyLength     int           `yaml:"min_key_length"`
	SaveDelay        time.Duration `yaml:"save_delay"`
	ReloadDelay      time.Duration `yaml:"reload_delay"`

	Owner           string `yaml:"owner"`
	UpdateOwner     bool   `yaml:"update_owner"`
	AddTimestamp    bool   `yaml:"add_timestamp"`
	UpdateTimestamp bool   `yaml:"update_timestamp"`
}

// Validate validates the library configuration.
func (c *LibraryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.Extension, validation.Required, validation.Match(extRe)),
		validation.Field(&c.RecentLimit, validation.Min(0)),
		validation.Field(&c.MinKeyLength, validation.Min(0), validation.Max(32)),
		validation.Field(&c.SaveDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.ReloadDelay, validation.Min(time.Duration(0))),
	)
}

// MemoriesPath returns where open and recent files are remembered.
func (c *LibraryConfig) MemoriesPath() string {
	if c.Memories != "" {
		return c.Memories
	}
	return filepath.Join(c.DataDir, "memories.yaml")
}

// Settings returns the read-only view the registry consumes.
func (c *LibraryConfig) Settings() registry.Settings {
	return registry.Settings{
		BackupBeforeSave: c.BackupBeforeSave,
		MinKeyLength:     c.MinKeyLength,
		SaveDelay:        c.SaveDelay,
		Stamp: entry.StampOptions{
			Timestamp:       c.AddTimestamp,
			UpdateTimestamp: c.UpdateTimestamp,
			Owner:           c.Owner,
			UpdateOwner:     c.UpdateOwner,
		},
	}
}

// SearchConfig holds the SQLite search mirror configuration.
type SearchConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	Delay   time.Duration `yaml:"delay"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.When(c.Enabled, validation.Required)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
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
		Library: LibraryConfig{
			DataDir:      "./data",
			Extension:    "bib",
			RecentLimit:  memories.DefaultRecentLimit,
			MinKeyLength: keygen.DefaultMinLength,
			SaveDelay:    registry.DefaultSaveDelay,
			ReloadDelay:  watcher.DefaultDelay,
		},
		Search: SearchConfig{
			Enabled: true,
			Path:    "./bibshelf.db",
			Delay:   time.Second,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
