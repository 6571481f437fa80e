// Package config loads feedsync settings from a config file, FEEDSYNC_*
// environment variables and command-line overrides.
//
// Precedence, highest first: overrides, environment, file, defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quillsocial/feedsync/internal/feedcache/materialize"
)

// EnvPrefix prefixes every environment override, e.g. FEEDSYNC_SYNC_INTERVAL.
const EnvPrefix = "FEEDSYNC"

// ErrUnknownFormat is returned by Write for an unsupported output format.
var ErrUnknownFormat = errors.New("unknown config format")

// Config is the full settings tree.
type Config struct {
	// DBPath is the SQLite cache file.
	DBPath string `mapstructure:"db_path" yaml:"db_path" toml:"db_path" json:"db_path" validate:"required"`

	// Viewer is the signed-in user id. Empty means signed out.
	Viewer string `mapstructure:"viewer" yaml:"viewer" toml:"viewer" json:"viewer"`

	// LogFile, when set, sends daemon logs to a rotating file.
	LogFile    string `mapstructure:"log_file" yaml:"log_file" toml:"log_file" json:"log_file"`
	LogMaxSize int    `mapstructure:"log_max_size" yaml:"log_max_size" toml:"log_max_size" json:"log_max_size" validate:"gte=0"`

	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend" toml:"backend" json:"backend"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync" toml:"sync" json:"sync"`
	Feeds     FeedConfig      `mapstructure:"feeds" yaml:"feeds" toml:"feeds" json:"feeds"`
	Realtime  RealtimeConfig  `mapstructure:"realtime" yaml:"realtime" toml:"realtime" json:"realtime"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard" json:"dashboard"`
}

// BackendConfig selects the remote.
type BackendConfig struct {
	Kind        string `mapstructure:"kind" yaml:"kind" toml:"kind" json:"kind" validate:"oneof=fixture postgres"`
	FixtureDir  string `mapstructure:"fixture_dir" yaml:"fixture_dir" toml:"fixture_dir" json:"fixture_dir" validate:"required_if=Kind fixture"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn" toml:"postgres_dsn" json:"postgres_dsn" validate:"required_if=Kind postgres"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" toml:"interval" json:"interval" validate:"gte=0"`
	PushTimeout    time.Duration `mapstructure:"push_timeout" yaml:"push_timeout" toml:"push_timeout" json:"push_timeout" validate:"gt=0"`
	MaxAttempts    uint          `mapstructure:"max_attempts" yaml:"max_attempts" toml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" toml:"initial_backoff" json:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" toml:"max_backoff" json:"max_backoff" validate:"gtefield=InitialBackoff"`
	Scopes         []string      `mapstructure:"scopes" yaml:"scopes" toml:"scopes" json:"scopes" validate:"dive,oneof=feed profiles conversations"`
}

// FeedConfig tunes the materializer.
type FeedConfig struct {
	PopularThreshold int64               `mapstructure:"popular_threshold" yaml:"popular_threshold" toml:"popular_threshold" json:"popular_threshold" validate:"gte=1"`
	Weights          materialize.Weights `mapstructure:"weights" yaml:"weights" toml:"weights" json:"weights"`
	PageSize         int                 `mapstructure:"page_size" yaml:"page_size" toml:"page_size" json:"page_size" validate:"gte=1,lte=500"`
}

// RealtimeConfig selects the change-event transport.
type RealtimeConfig struct {
	Transport     string        `mapstructure:"transport" yaml:"transport" toml:"transport" json:"transport" validate:"oneof=none ws nats spool poll"`
	URL           string        `mapstructure:"url" yaml:"url" toml:"url" json:"url" validate:"required_if=Transport ws,required_if=Transport nats"`
	SubjectPrefix string        `mapstructure:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix" json:"subject_prefix"`
	SpoolDir      string        `mapstructure:"spool_dir" yaml:"spool_dir" toml:"spool_dir" json:"spool_dir" validate:"required_if=Transport spool"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" toml:"poll_interval" json:"poll_interval" validate:"gte=0"`
	Buffer        int           `mapstructure:"buffer" yaml:"buffer" toml:"buffer" json:"buffer" validate:"gte=1"`
}

// DashboardConfig configures the debug dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" toml:"addr" json:"addr" validate:"required_if=Enabled true"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DBPath:     defaultDBPath(),
		LogMaxSize: 10,
		Backend: BackendConfig{
			Kind:       "fixture",
			FixtureDir: "fixtures",
		},
		Sync: SyncConfig{
			Interval:       time.Minute,
			PushTimeout:    10 * time.Second,
			MaxAttempts:    4,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Scopes:         []string{"feed", "profiles", "conversations"},
		},
		Feeds: FeedConfig{
			PopularThreshold: 10,
			Weights:          materialize.DefaultWeights(),
			PageSize:         20,
		},
		Realtime: RealtimeConfig{
			Transport:     "none",
			SubjectPrefix: "feedsync",
			PollInterval:  2 * time.Second,
			Buffer:        128,
		},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

func defaultDBPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "feedsync", "cache.db")
	}
	return "feedsync.db"
}

// Load reads settings. path may be empty, in which case feedsync.{yaml,toml,json}
// is searched in the working directory and the user config dir; a missing
// file is not an error. overrides are keyed by dotted viper keys
// ("sync.interval").
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("feedsync")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "feedsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of def so AutomaticEnv can see keys that
// no config file mentions.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("viewer", def.Viewer)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("log_max_size", def.LogMaxSize)

	v.SetDefault("backend.kind", def.Backend.Kind)
	v.SetDefault("backend.fixture_dir", def.Backend.FixtureDir)
	v.SetDefault("backend.postgres_dsn", def.Backend.PostgresDSN)

	v.SetDefault("sync.interval", def.Sync.Interval)
	v.SetDefault("sync.push_timeout", def.Sync.PushTimeout)
	v.SetDefault("sync.max_attempts", def.Sync.MaxAttempts)
	v.SetDefault("sync.initial_backoff", def.Sync.InitialBackoff)
	v.SetDefault("sync.max_backoff", def.Sync.MaxBackoff)
	v.SetDefault("sync.scopes", def.Sync.Scopes)

	v.SetDefault("feeds.popular_threshold", def.Feeds.PopularThreshold)
	v.SetDefault("feeds.page_size", def.Feeds.PageSize)
	v.SetDefault("feeds.weights.like", def.Feeds.Weights.Like)
	v.SetDefault("feeds.weights.laugh", def.Feeds.Weights.Laugh)
	v.SetDefault("feeds.weights.dislike", def.Feeds.Weights.Dislike)
	v.SetDefault("feeds.weights.repost", def.Feeds.Weights.Repost)
	v.SetDefault("feeds.weights.reply", def.Feeds.Weights.Reply)
	v.SetDefault("feeds.weights.half_life", def.Feeds.Weights.HalfLife)

	v.SetDefault("realtime.transport", def.Realtime.Transport)
	v.SetDefault("realtime.url", def.Realtime.URL)
	v.SetDefault("realtime.subject_prefix", def.Realtime.SubjectPrefix)
	v.SetDefault("realtime.spool_dir", def.Realtime.SpoolDir)
	v.SetDefault("realtime.poll_interval", def.Realtime.PollInterval)
	v.SetDefault("realtime.buffer", def.Realtime.Buffer)

	v.SetDefault("dashboard.enabled", def.Dashboard.Enabled)
	v.SetDefault("dashboard.addr", def.Dashboard.Addr)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Write encodes c as yaml, toml or json.
func (c *Config) Write(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "yml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c.printable()); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(c.printable()); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(c.printable())
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// printable is a copy with durations rendered as strings and the DSN
// password masked.
func (c *Config) printable() map[string]any {
	dsn := c.Backend.PostgresDSN
	if dsn != "" {
		dsn = maskDSN(dsn)
	}
	return map[string]any{
		"db_path":      c.DBPath,
		"viewer":       c.Viewer,
		"log_file":     c.LogFile,
		"log_max_size": c.LogMaxSize,
		"backend": map[string]any{
			"kind":         c.Backend.Kind,
			"fixture_dir":  c.Backend.FixtureDir,
			"postgres_dsn": dsn,
		},
		"sync": map[string]any{
			"interval":        c.Sync.Interval.String(),
			"push_timeout":    c.Sync.PushTimeout.String(),
			"max_attempts":    c.Sync.MaxAttempts,
			"initial_backoff": c.Sync.InitialBackoff.String(),
			"max_backoff":     c.Sync.MaxBackoff.String(),
			"scopes":          c.Sync.Scopes,
		},
		"feeds": map[string]any{
			"popular_threshold": c.Feeds.PopularThreshold,
			"page_size":         c.Feeds.PageSize,
			"weights":           c.Feeds.Weights,
		},
		"realtime": map[string]any{
			"transport":      c.Realtime.Transport,
			"url":            c.Realtime.URL,
			"subject_prefix": c.Realtime.SubjectPrefix,
			"spool_dir":      c.Realtime.SpoolDir,
			"poll_interval":  c.Realtime.PollInterval.String(),
			"buffer":         c.Realtime.Buffer,
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"addr":    c.Dashboard.Addr,
		},
	}
}

// maskDSN hides the password of a postgres URL or key=value DSN.
func maskDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		at := strings.LastIndex(rest, "@")
		if at < 0 {
			return dsn
		}
		cred := rest[:at]
		if c := strings.Index(cred, ":"); c >= 0 {
			return dsn[:i+3] + cred[:c] + ":****" + rest[at:]
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=****"
		}
	}
	return strings.Join(fields, " ")
}
