// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord  DiscordConfig           `yaml:"discord"`
	Nodes    []NodeConfig            `yaml:"nodes" validate:"required,min=1,dive"`
	Playback PlaybackConfig          `yaml:"playback"`
	Sources  map[string]SourceConfig `yaml:"sources"`
	Logging  LoggingConfig           `yaml:"logging"`
}

// DiscordConfig represents Discord gateway configuration.
type DiscordConfig struct {
	Token string `yaml:"token" validate:"required"`
}

// NodeConfig represents one Lavalink node.
type NodeConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Address  string `yaml:"address" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
	// ResumeTimeoutSec keeps the node session alive over short connection
	// drops. Zero disables resuming.
	ResumeTimeoutSec int `yaml:"resume_timeout_sec" default:"60" validate:"gte=0,lte=3600"`
}

// PlaybackConfig represents playback control configuration.
type PlaybackConfig struct {
	ConnectTimeoutSec  int  `yaml:"connect_timeout_sec" default:"5" validate:"gte=1,lte=60"`
	DefaultVolume      int  `yaml:"default_volume" default:"100" validate:"gte=0,lte=1000"`
	SelfDeaf           bool `yaml:"self_deaf"`
	DisableAutoAdvance bool `yaml:"disable_auto_advance"`
}

// SourceConfig represents an external source resolver's configuration.
type SourceConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// LoggingConfig represents log output configuration.
type LoggingConfig struct {
	Level string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	File  string `yaml:"file"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("LAVALINK_PASSWORD"); v != "" {
		for i := range c.Nodes {
			if c.Nodes[i].Password == "" {
				c.Nodes[i].Password = v
			}
		}
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.setSourceSetting("spotify", "client_id", v)
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.setSourceSetting("spotify", "client_secret", v)
	}
}

// setSourceSetting writes one settings key of a configured source,
// materializing the maps when the file omitted them.
func (c *Config) setSourceSetting(source, key string, value any) {
	if c.Sources == nil {
		c.Sources = make(map[string]SourceConfig)
	}
	s := c.Sources[source]
	if s.Settings == nil {
		s.Settings = make(map[string]any)
	}
	s.Settings[key] = value
	c.Sources[source] = s
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	names := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if _, ok := names[n.Name]; ok {
			return errors.Newf("duplicate node name %q", n.Name)
		}
		names[n.Name] = struct{}{}
		if n.Password == "" {
			return errors.Newf("node %q has no password (set it in the file or via LAVALINK_PASSWORD)", n.Name)
		}
	}

	return nil
}

// ConnectTimeout returns the voice handshake deadline as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Playback.ConnectTimeoutSec) * time.Second
}

// IsSourceEnabled checks if a source resolver is enabled.
func (c *Config) IsSourceEnabled(name string) bool {
	if s, ok := c.Sources[name]; ok {
		return s.Enabled
	}
	return false
}

// SourceSettings returns the settings map for a source.
func (c *Config) SourceSettings(name string) map[string]any {
	if s, ok := c.Sources[name]; ok {
		return s.Settings
	}
	return nil
}
