package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single iCal subscription source.
type FeedConfig struct {
	// ID is an internal identifier used for routing and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is the feed locator. http(s)://, webcal:// and file:// are
	// accepted; webcal is rewritten to https before fetching.
	URL string `yaml:"url" json:"url"`
	// VerifyTLS disables certificate verification when false. Default true.
	VerifyTLS *bool `yaml:"verify_tls,omitempty" json:"verify_tls,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LoggerConfig selects log level and encoding.
type LoggerConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the JSON API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone all occurrences are normalized into
	// (e.g. "Europe/Oslo"). Naive feed timestamps are interpreted in
	// this zone as well.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Days is the materialization window size: occurrences are built
	// for [start of local day, start of local day + Days).
	Days int `yaml:"days" json:"days"`

	// MaxEvents is the highest ordinal the API will serve (the source
	// of the /events/{k} bound).
	MaxEvents int `yaml:"max_events" json:"max_events"`

	// RefreshCron is a cron-style schedule for periodic refresh
	// (e.g. "@every 2m" or "*/5 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// MinRefreshInterval is the explicit refresh throttle: a refresh
	// attempted sooner than this after the previous attempt is skipped
	// and the previous snapshot kept.
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval" json:"min_refresh_interval"`

	// LookbackDays / LookaheadDays widen the recurrence evaluation
	// margin around the window so in-progress or just-started series
	// are not missed. Heuristic carried from the source integration;
	// kept configurable rather than hidden.
	LookbackDays  int `yaml:"lookback_days" json:"lookback_days"`
	LookaheadDays int `yaml:"lookahead_days" json:"lookahead_days"`

	// MaxInstancesPerEvent caps recurrence expansion per event.
	MaxInstancesPerEvent int `yaml:"max_instances_per_event" json:"max_instances_per_event"`

	// FetchTimeout bounds a single feed download.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// Feeds is the list of subscribed sources.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Logger LoggerConfig `yaml:"logger" json:"logger"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               "127.0.0.1:8080",
		Timezone:             "UTC",
		Days:                 365,
		MaxEvents:            5,
		RefreshCron:          "@every 2m",
		MinRefreshInterval:   120 * time.Second,
		LookbackDays:         7,
		LookaheadDays:        30,
		MaxInstancesPerEvent: 5000,
		FetchTimeout:         15 * time.Second,
		Feeds:                []FeedConfig{},
		Logger: LoggerConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Normalize fills in missing/zero values with defaults so partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Days <= 0 {
		c.Days = def.Days
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = def.MaxEvents
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = def.MinRefreshInterval
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = def.LookbackDays
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = def.LookaheadDays
	}
	if c.MaxInstancesPerEvent <= 0 {
		c.MaxInstancesPerEvent = def.MaxInstancesPerEvent
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	if c.Logger.Level == "" {
		c.Logger.Level = def.Logger.Level
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = def.Logger.Encoding
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: unknown timezone %q: %w", c.Timezone, err)
	}
	seen := make(map[string]struct{}, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.URL == "" {
			return fmt.Errorf("config: feeds[%d]: url is required", i)
		}
		id := f.EffectiveID()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate feed id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// EffectiveID returns the feed identifier, falling back to name then URL.
func (f FeedConfig) EffectiveID() string {
	if f.ID != "" {
		return f.ID
	}
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

// VerifyTLSEnabled reports whether certificate verification is on.
func (f FeedConfig) VerifyTLSEnabled() bool {
	return f.VerifyTLS == nil || *f.VerifyTLS
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written (0600, parent
// directory created) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with
// 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".icalfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
