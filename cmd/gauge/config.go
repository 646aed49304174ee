package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/gauge/internal/jsonptr"
	"github.com/tinytelemetry/gauge/internal/model"
)

const (
	defaultConfigPath     = "config.json"
	defaultSampleInterval = model.DefaultSampleInterval
	defaultSampleCount    = model.DefaultSampleCount
	defaultConnectTimeout = model.DefaultConnectTimeout
	defaultAPIAddr        = "127.0.0.1:3000"
	defaultRetentionDays  = 30
	defaultPostgresTable  = "points"
)

// appConfig is the runtime configuration. Durations are in milliseconds to
// keep the file format stable.
type appConfig struct {
	SampleIntervalMS int64 `mapstructure:"sample_interval_ms" yaml:"sample_interval_ms"`
	SampleCount      int   `mapstructure:"sample_count" yaml:"sample_count"`
	CycleTimeoutMS   int64 `mapstructure:"cycle_timeout_ms" yaml:"cycle_timeout_ms"`

	Sensors     model.SourceConfig   `mapstructure:"sensors" yaml:"sensors"`
	IntelGPUTop model.SourceConfig   `mapstructure:"intel_gpu_top" yaml:"intel_gpu_top"`
	Commands    []model.SourceConfig `mapstructure:"commands" yaml:"commands,omitempty"`

	// Influx is the legacy top-level database section; when present it
	// enables sinks.influx.
	Influx *influxConfig `mapstructure:"influx" yaml:"influx,omitempty"`

	Sinks            sinksConfig   `mapstructure:"sinks" yaml:"sinks"`
	ConnectTimeoutMS int64         `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	Journal          journalConfig `mapstructure:"journal" yaml:"journal"`
	API              apiConfig     `mapstructure:"api" yaml:"api"`
	LogLevel         string        `mapstructure:"log_level" yaml:"log_level"`

	ConfigPath string `mapstructure:"-" yaml:"-"`
}

type sinksConfig struct {
	DuckDB   duckdbConfig   `mapstructure:"duckdb" yaml:"duckdb"`
	SQLite   sqliteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres postgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Influx   influxConfig   `mapstructure:"influx" yaml:"influx"`
	OTLP     otlpConfig     `mapstructure:"otlp" yaml:"otlp"`
}

type duckdbConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Path          string `mapstructure:"path" yaml:"path"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

type sqliteConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type postgresConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Table   string `mapstructure:"table" yaml:"table"`
}

type influxConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Org     string `mapstructure:"org" yaml:"org"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket"`
	Token   string `mapstructure:"token" yaml:"token"`
}

type otlpConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`
}

type journalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type apiConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

func (c appConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMS) * time.Millisecond
}

func (c appConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutMS) * time.Millisecond
}

func (c appConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// Sources returns every enabled source with its kind set and value paths
// compiled, in configuration order.
func (c appConfig) Sources() []model.SourceConfig {
	var out []model.SourceConfig
	add := func(src model.SourceConfig, kind model.SourceKind) {
		if !src.Enabled {
			return
		}
		src.Kind = kind
		src.Values = append([]model.ValueMapping(nil), src.Values...)
		for i := range src.Values {
			src.Values[i].Compile()
		}
		out = append(out, src)
	}
	add(c.Sensors, model.KindSensors)
	add(c.IntelGPUTop, model.KindIntelGPUTop)
	for _, cmd := range c.Commands {
		add(cmd, model.KindCommand)
	}
	return out
}

// ConfigError lists every problem found in a configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (c appConfig) validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.SampleIntervalMS <= 0 {
		addf("sample_interval_ms must be positive")
	}
	if c.SampleCount <= 0 {
		addf("sample_count must be at least 1")
	}
	if c.CycleTimeoutMS < 0 {
		addf("cycle_timeout_ms must not be negative")
	}

	sources := c.Sources()
	if len(sources) == 0 {
		addf("all collectors disabled")
	}
	measurements := map[string]bool{}
	for _, src := range sources {
		name := src.Measurement()
		if measurements[name] {
			addf("source %q: duplicate name", name)
		}
		measurements[name] = true

		if len(src.Values) == 0 {
			addf("source %q: no values configured", name)
		}
		fields := map[string]bool{}
		for i, v := range src.Values {
			if v.Name == "" {
				addf("source %q: value %d has no name", name, i)
				continue
			}
			if fields[v.Name] {
				addf("source %q: duplicate value name %q", name, v.Name)
			}
			fields[v.Name] = true
		}
		switch src.Kind {
		case model.KindIntelGPUTop:
			if src.Device == "" {
				addf("source %q: device is required", name)
			}
		case model.KindCommand:
			if src.Binary == "" {
				addf("source %q: binary is required", name)
			}
			if src.RepeatMS < 0 {
				addf("source %q: repeat_ms must not be negative", name)
			}
		}
	}

	s := c.Sinks
	if s.Postgres.Enabled && s.Postgres.DSN == "" {
		addf("sinks.postgres: dsn is required")
	}
	if s.Influx.Enabled && (s.Influx.Host == "" || s.Influx.Org == "" || s.Influx.Bucket == "") {
		addf("sinks.influx: host, org and bucket are required")
	}
	if s.OTLP.Enabled && s.OTLP.Endpoint == "" {
		addf("sinks.otlp: endpoint is required")
	}
	if s.DuckDB.Enabled && s.DuckDB.Path == "" {
		addf("sinks.duckdb: path is required")
	}
	if s.SQLite.Enabled && s.SQLite.Path == "" {
		addf("sinks.sqlite: path is required")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		addf("journal: path is required")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// redacted returns a copy safe to print.
func (c appConfig) redacted() appConfig {
	const mask = "<redacted>"
	if c.Sinks.Influx.Token != "" {
		c.Sinks.Influx.Token = mask
	}
	if c.Sinks.Postgres.DSN != "" {
		c.Sinks.Postgres.DSN = mask
	}
	c.Influx = nil
	return c
}

// loadConfig reads configPath (JSON or YAML by extension), applies GAUGE_*
// environment overrides and bound flags, and validates the result. A missing
// file is an error only when configPath was given explicitly.
func loadConfig(configPath string, flags *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".local", "share", "gauge")
	stateDir := filepath.Join(home, ".local", "state", "gauge")

	v := viper.New()
	v.SetEnvPrefix("GAUGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("sample_interval_ms", defaultSampleInterval.Milliseconds())
	v.SetDefault("sample_count", defaultSampleCount)
	v.SetDefault("cycle_timeout_ms", 0)
	v.SetDefault("connect_timeout_ms", defaultConnectTimeout.Milliseconds())
	v.SetDefault("sinks.duckdb.path", filepath.Join(dataDir, "gauge.duckdb"))
	v.SetDefault("sinks.duckdb.retention_days", defaultRetentionDays)
	v.SetDefault("sinks.sqlite.path", filepath.Join(dataDir, "gauge.sqlite"))
	v.SetDefault("sinks.postgres.table", defaultPostgresTable)
	v.SetDefault("journal.path", filepath.Join(stateDir, "points.journal"))
	v.SetDefault("api.addr", defaultAPIAddr)
	v.SetDefault("log_level", "info")

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("log_level", f); err != nil {
				return cfg, err
			}
		}
	}

	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return cfg, fmt.Errorf("couldn't load config file %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		valuePathHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if cfg.Influx != nil && !cfg.Sinks.Influx.Enabled {
		cfg.Sinks.Influx = *cfg.Influx
		cfg.Sinks.Influx.Enabled = true
	}

	for _, p := range []*string{&cfg.Sinks.DuckDB.Path, &cfg.Sinks.SQLite.Path, &cfg.Journal.Path} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// valuePathHook lets a value's path be written as an escaped pointer string
// ("/engines/Render~13D~10/busy") as well as a segment list.
func valuePathHook() mapstructure.DecodeHookFuncType {
	mappingType := reflect.TypeOf(model.ValueMapping{})
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != mappingType {
			return data, nil
		}
		m, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		raw, ok := m["path"].(string)
		if !ok {
			return data, nil
		}
		ptr, err := jsonptr.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("value %v: path: %w", m["name"], err)
		}
		out := maps.Clone(m)
		out["path"] = ptr.Segments()
		return out, nil
	}
}
