package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/dossier/internal/analysis"
	"github.com/starford/dossier/internal/card"
	"github.com/starford/dossier/internal/index"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Data     DataConfig        `yaml:"data"`
	Index    IndexConfig       `yaml:"index"`
	Analysis AnalysisConfig    `yaml:"analysis"`
	Card     CardConfig        `yaml:"card"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Index.Validate(); err != nil {
		return err
	}
	if err := c.Analysis.Validate(); err != nil {
		return err
	}
	if err := c.Card.Validate(); err != nil {
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

// DataConfig holds the path to the data root (uploads, cards, tags, connections, index).
type DataConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// IndexConfig controls the derived index.
type IndexConfig struct {
	// SnapshotPath is relative to the data root.
	SnapshotPath      string        `yaml:"snapshot_path"`
	InitialBuildDelay time.Duration `yaml:"initial_build_delay"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	Watch             bool          `yaml:"watch"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SnapshotPath, validation.Required),
		validation.Field(&c.InitialBuildDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Millisecond)),
	)
}

// Options converts the section to index service options.
func (c *IndexConfig) Options() index.Options {
	return index.Options{SnapshotPath: c.SnapshotPath, PollInterval: c.PollInterval}
}

// AnalysisConfig controls reference analysis.
type AnalysisConfig struct {
	Aliases       analysis.AliasPolicy `yaml:"aliases"`
	MaxResults    int                  `yaml:"max_results"`
	ContextWindow int                  `yaml:"context_window"`
}

// Validate validates the analysis configuration.
func (c *AnalysisConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxResults, validation.Required, validation.Min(1)),
		validation.Field(&c.ContextWindow, validation.Required, validation.Min(1)),
	)
}

// Options converts the section to analysis engine options.
func (c *AnalysisConfig) Options() analysis.Options {
	return analysis.Options{Aliases: c.Aliases, MaxResults: c.MaxResults, ContextWindow: c.ContextWindow}
}

// CardConfig holds header defaults for new cards.
type CardConfig struct {
	Classification string   `yaml:"classification"`
	Handling       []string `yaml:"handling"`
}

// Validate validates the card configuration.
func (c *CardConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Classification, validation.Required),
		validation.Field(&c.Handling, validation.Each(validation.Required)),
	)
}

// Defaults converts the section to card store defaults.
func (c *CardConfig) Defaults() card.Defaults {
	return card.Defaults{Classification: c.Classification, Handling: c.Handling}
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
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
		Data: DataConfig{
			Path: "./data",
		},
		Index: IndexConfig{
			SnapshotPath:      index.DefaultSnapshotPath,
			InitialBuildDelay: 2 * time.Second,
			PollInterval:      100 * time.Millisecond,
			Watch:             true,
		},
		Analysis: AnalysisConfig{
			Aliases:       analysis.AliasPolicy{Similarity: true, Document: true, Repository: false},
			MaxResults:    20,
			ContextWindow: 100,
		},
		Card: CardConfig{
			Classification: "UNCLASSIFIED",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
