// Package config loads settings from defaults, an optional YAML file and
// the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahmethakanbesel/priceload/internal/logging"
	"github.com/ahmethakanbesel/priceload/internal/normalize"
	"github.com/ahmethakanbesel/priceload/internal/price"
)

const (
	SinkSQLite   = "sqlite"
	SinkInflux   = "influx"
	SinkPostgres = "postgres"
)

var knownSinks = []string{SinkSQLite, SinkInflux, SinkPostgres}

type Config struct {
	SourcePath string   `yaml:"source_path"`
	Instrument string   `yaml:"instrument"`
	Sinks      []string `yaml:"sinks"`
	DBPath     string   `yaml:"db_path"`

	DestURL         string        `yaml:"dest_url"`
	DestToken       string        `yaml:"dest_token"`
	DestNamespace   string        `yaml:"dest_namespace"`
	DestBucket      string        `yaml:"dest_bucket"`
	DestMeasurement string        `yaml:"dest_measurement"`
	DestTimeout     time.Duration `yaml:"dest_timeout"`

	PostgresURL string `yaml:"postgres_url"`

	BatchSize       int           `yaml:"batch_size"`
	RetryBound      int           `yaml:"retry_bound"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
	FailFast        bool          `yaml:"fail_fast"`
	IntegrityPolicy string        `yaml:"integrity_policy"`
	VerifyWindow    time.Duration `yaml:"verify_window"`

	Port      string `yaml:"port"`
	IngestDir string `yaml:"ingest_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Instrument:      "ionq",
		Sinks:           []string{SinkSQLite},
		DBPath:          "prices.db",
		DestTimeout:     30 * time.Second,
		RetryBound:      3,
		RetryBackoff:    500 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Second,
		IntegrityPolicy: string(normalize.PolicyPass),
		VerifyWindow:    43800 * time.Hour,
		Port:            "8080",
		IngestDir:       ".",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if set) and environment variables, then validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML file at path. ${VAR} references are expanded
// from the environment before parsing.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from CONFIG_FILE
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var e env

	c.SourcePath = e.str("SOURCE_PATH", c.SourcePath)
	c.Instrument = e.str("INSTRUMENT", c.Instrument)
	c.Sinks = e.list("SINKS", c.Sinks)
	c.DBPath = e.str("DB_PATH", c.DBPath)

	c.DestURL = e.str("DEST_URL", c.DestURL)
	c.DestToken = e.str("DEST_TOKEN", c.DestToken)
	c.DestNamespace = e.str("DEST_NAMESPACE", c.DestNamespace)
	c.DestBucket = e.str("DEST_BUCKET", c.DestBucket)
	c.DestMeasurement = e.str("DEST_MEASUREMENT", c.DestMeasurement)
	c.DestTimeout = e.duration("DEST_TIMEOUT", c.DestTimeout)

	c.PostgresURL = e.str("POSTGRES_URL", c.PostgresURL)

	c.BatchSize = e.int("BATCH_SIZE", c.BatchSize)
	c.RetryBound = e.int("RETRY_BOUND", c.RetryBound)
	c.RetryBackoff = e.duration("RETRY_BACKOFF", c.RetryBackoff)
	c.RetryMaxBackoff = e.duration("RETRY_MAX_BACKOFF", c.RetryMaxBackoff)
	c.FailFast = e.bool("FAIL_FAST", c.FailFast)
	c.IntegrityPolicy = e.str("INTEGRITY_POLICY", c.IntegrityPolicy)
	c.VerifyWindow = e.duration("VERIFY_WINDOW", c.VerifyWindow)

	c.Port = e.str("PORT", c.Port)
	c.IngestDir = e.str("INGEST_DIR", c.IngestDir)

	c.LogLevel = e.str("LOG_LEVEL", c.LogLevel)
	c.LogFormat = e.str("LOG_FORMAT", c.LogFormat)

	return errors.Join(e.errs...)
}

// Validate checks the configuration for use by any command. Settings only
// needed by ingest, such as SourcePath, are checked by the caller.
func (c *Config) Validate() error {
	var errs []error

	if _, err := price.NormalizeInstrument(c.Instrument); err != nil {
		errs = append(errs, err)
	}

	if len(c.Sinks) == 0 {
		errs = append(errs, errors.New("at least one sink is required"))
	}
	for _, s := range c.Sinks {
		if !slices.Contains(knownSinks, s) {
			errs = append(errs, fmt.Errorf("unknown sink %q (want one of %s)", s, strings.Join(knownSinks, ", ")))
		}
	}
	if c.HasSink(SinkInflux) {
		if c.DestURL == "" || c.DestNamespace == "" || c.DestBucket == "" {
			errs = append(errs, errors.New("influx sink requires DEST_URL, DEST_NAMESPACE and DEST_BUCKET"))
		}
	}
	if c.HasSink(SinkPostgres) && c.PostgresURL == "" {
		errs = append(errs, errors.New("postgres sink requires POSTGRES_URL"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}

	if c.BatchSize < 0 {
		errs = append(errs, errors.New("BATCH_SIZE must not be negative"))
	}
	if c.RetryBound < 1 {
		errs = append(errs, errors.New("RETRY_BOUND must be at least 1"))
	}
	if c.RetryBackoff < 0 || c.RetryMaxBackoff < 0 || c.DestTimeout < 0 || c.VerifyWindow < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := normalize.ParsePolicy(c.IntegrityPolicy); err != nil {
		errs = append(errs, err)
	}

	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func (c *Config) HasSink(name string) bool {
	return slices.Contains(c.Sinks, name)
}

// Policy returns the parsed integrity policy. Validate must have passed.
func (c *Config) Policy() normalize.Policy {
	p, _ := normalize.ParsePolicy(c.IntegrityPolicy)
	return p
}

// env reads typed environment variables, collecting parse errors.
type env struct {
	errs []error
}

func (e *env) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (e *env) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (e *env) list(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
