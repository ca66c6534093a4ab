// Package config loads and validates the loader configuration.
//
// Configuration is read with viper from a YAML or TOML file and may be
// overridden by DLLOAD_* environment variables (DLLOAD_DB_PATH,
// DLLOAD_ARCHIVE_BUCKET, ...). Data sources can only be set in the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deeplynx/loader/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DLLOAD"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DataSource identifies one remote data source mirrored into one local table.
type DataSource struct {
	TableName           string `mapstructure:"table_name" yaml:"table_name" toml:"table_name"`
	ContainerID         uint64 `mapstructure:"container_id" yaml:"container_id" toml:"container_id"`
	DataSourceID        uint64 `mapstructure:"data_source_id" yaml:"data_source_id" toml:"data_source_id"`
	TimestampColumnName string `mapstructure:"timestamp_column_name" yaml:"timestamp_column_name" toml:"timestamp_column_name"`
	SecondaryIndex      string `mapstructure:"secondary_index" yaml:"secondary_index,omitempty" toml:"secondary_index,omitempty"`
	InitialTimestamp    string `mapstructure:"initial_timestamp" yaml:"initial_timestamp,omitempty" toml:"initial_timestamp,omitempty"`
	InitialIndexStart   uint64 `mapstructure:"initial_index_start" yaml:"initial_index_start,omitempty" toml:"initial_index_start,omitempty"`
}

// ArchiveConfig enables copying every downloaded extract to S3.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty" toml:"bucket,omitempty"`
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	Region string `mapstructure:"region" yaml:"region,omitempty" toml:"region,omitempty"`
}

// Enabled reports whether a bucket is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// DashboardConfig controls the daemon's live status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" toml:"port"`
}

// Config is the loader configuration.
type Config struct {
	APIKey              string          `mapstructure:"api_key" yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	APISecret           string          `mapstructure:"api_secret" yaml:"api_secret,omitempty" toml:"api_secret,omitempty"`
	DeepLynxURL         string          `mapstructure:"deeplynx_url" yaml:"deeplynx_url" toml:"deeplynx_url"`
	DBPath              string          `mapstructure:"db_path" yaml:"db_path" toml:"db_path"`
	RefreshInterval     int             `mapstructure:"refresh_interval" yaml:"refresh_interval" toml:"refresh_interval"`
	DataRetentionDays   int             `mapstructure:"data_retention_days" yaml:"data_retention_days" toml:"data_retention_days"`
	TargetContainerID   uint64          `mapstructure:"target_container_id" yaml:"target_container_id,omitempty" toml:"target_container_id,omitempty"`
	TargetDataSourceID  uint64          `mapstructure:"target_data_source_id" yaml:"target_data_source_id,omitempty" toml:"target_data_source_id,omitempty"`
	Debug               bool            `mapstructure:"debug" yaml:"debug" toml:"debug"`
	TempDir             string          `mapstructure:"temp_dir" yaml:"temp_dir,omitempty" toml:"temp_dir,omitempty"`
	DeleteAfterDownload bool            `mapstructure:"delete_after_download" yaml:"delete_after_download" toml:"delete_after_download"`
	LogFile             string          `mapstructure:"log_file" yaml:"log_file,omitempty" toml:"log_file,omitempty"`
	Archive             ArchiveConfig   `mapstructure:"archive" yaml:"archive,omitempty" toml:"archive,omitempty"`
	Dashboard           DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	DataSources         []DataSource    `mapstructure:"data_sources" yaml:"data_sources" toml:"data_sources"`

	path string
}

// Default returns a configuration with every default applied and no data
// sources.
func Default() *Config {
	return &Config{
		DeepLynxURL:         "http://localhost:8090",
		DBPath:              "data/loader.db",
		RefreshInterval:     300,
		DataRetentionDays:   30,
		DeleteAfterDownload: true,
		LogFile:             "dlload.log",
		Dashboard:           DashboardConfig{Port: 8080},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("api_key", "")
	v.SetDefault("api_secret", "")
	v.SetDefault("deeplynx_url", d.DeepLynxURL)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("refresh_interval", d.RefreshInterval)
	v.SetDefault("data_retention_days", d.DataRetentionDays)
	v.SetDefault("target_container_id", 0)
	v.SetDefault("target_data_source_id", 0)
	v.SetDefault("debug", false)
	v.SetDefault("temp_dir", "")
	v.SetDefault("delete_after_download", d.DeleteAfterDownload)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
}

// Load reads the configuration file at path, applies environment overrides,
// normalizes initial timestamps and validates the result. With an empty
// path, dlload.yaml (or .toml) is looked up in the working directory and in
// $HOME/.config/dlload.
func Load(path string) (*Config, error) {
	return load(path, time.Now())
}

func load(path string, now time.Time) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dlload")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/dlload")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.path = v.ConfigFileUsed()

	if err := cfg.Normalize(now); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// RefreshEvery returns the daemon's pass interval.
func (c *Config) RefreshEvery() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

// Normalize rewrites every data source's initial timestamp into the
// canonical "YYYY-MM-DD HH:MM:SS" form, resolving relative expressions
// against now. Numeric start positions are left unchanged.
func (c *Config) Normalize(now time.Time) error {
	for i := range c.DataSources {
		ds := &c.DataSources[i]
		if ds.InitialTimestamp == "" {
			continue
		}
		ts, err := NormalizeTimestamp(ds.InitialTimestamp, now)
		if err != nil {
			return fmt.Errorf("%w: data source %s: %w", ErrInvalid, ds.TableName, err)
		}
		ds.InitialTimestamp = ts
	}
	return nil
}

// Validate checks the configuration for problems and reports all of them.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.DeepLynxURL == "" {
		fail("deeplynx_url is required")
	}
	if c.DBPath == "" {
		fail("db_path is required")
	}
	if c.DataRetentionDays <= 0 {
		fail("data_retention_days must be positive, got %d", c.DataRetentionDays)
	}
	if c.RefreshInterval < 0 {
		fail("refresh_interval must not be negative, got %d", c.RefreshInterval)
	}
	// a key without a secret is tolerated: the client simply runs unsecured
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		fail("dashboard.port %d out of range", c.Dashboard.Port)
	}
	if len(c.DataSources) == 0 {
		fail("at least one data source is required")
	}

	seen := make(map[string]bool, len(c.DataSources))
	for i, ds := range c.DataSources {
		name := ds.TableName
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if !store.ValidIdentifier(ds.TableName) {
			fail("data source %s: invalid table_name %q", name, ds.TableName)
		}
		key := strings.ToLower(ds.TableName)
		if seen[key] {
			fail("data source %s: duplicate table_name", name)
		}
		seen[key] = true
		if ds.ContainerID == 0 {
			fail("data source %s: container_id is required", name)
		}
		if ds.DataSourceID == 0 {
			fail("data source %s: data_source_id is required", name)
		}
		if !store.ValidIdentifier(ds.TimestampColumnName) {
			fail("data source %s: invalid timestamp_column_name %q", name, ds.TimestampColumnName)
		}
		if ds.SecondaryIndex != "" && !store.ValidIdentifier(ds.SecondaryIndex) {
			fail("data source %s: invalid secondary_index %q", name, ds.SecondaryIndex)
		}
	}

	return errors.Join(errs...)
}

// Source returns the data source mirrored into table.
func (c *Config) Source(table string) (DataSource, bool) {
	for _, ds := range c.DataSources {
		if strings.EqualFold(ds.TableName, table) {
			return ds, true
		}
	}
	return DataSource{}, false
}
