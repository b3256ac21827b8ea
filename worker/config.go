package worker

import (
	"os"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
	"gopkg.in/yaml.v3"
)

// StorageConfig selects the backing store for history and entity state.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the SQLite data source, e.g. "file:durable.db?_journal=WAL".
	DSN string `json:"dsn" yaml:"dsn"`
	// TablePrefix namespaces the generated tables.
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
}

// Config is the worker runtime configuration, loadable from YAML.
type Config struct {
	// Concurrency bounds how many orchestration turns run in parallel.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// ActivityConcurrency bounds parallel activity invocations.
	ActivityConcurrency int `json:"activity_concurrency" yaml:"activity_concurrency"`
	// LockTimeout bounds entity lock acquisition; zero disables the
	// timeout and lock requests wait indefinitely.
	LockTimeout Duration `json:"lock_timeout" yaml:"lock_timeout"`
	// AppendRetries is the retry budget for history append failures.
	AppendRetries int `json:"append_retries" yaml:"append_retries"`

	Version VersionPolicy `json:"version" yaml:"version"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// DefaultConfig returns a single-process in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:         8,
		ActivityConcurrency: 16,
		AppendRetries:       3,
		Version:             VersionPolicy{}.Normalize(),
		Storage:             StorageConfig{Driver: "memory", TablePrefix: "durable"},
	}
}

// Duration is a time.Duration that unmarshals from Go duration strings
// ("30s", "5m") in YAML; yaml.v3 only handles integer nanoseconds natively.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return durable.NewError(durable.ErrInvalidConfig, "invalid duration", err, map[string]any{
			"value": value.Value,
		})
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads a YAML config file, applying defaults for absent keys.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, durable.NewError(durable.ErrInvalidConfig, "cannot read config file", err, map[string]any{
			"path": path,
		})
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, durable.NewError(durable.ErrInvalidConfig, "cannot parse config file", err, map[string]any{
			"path": path,
		})
	}
	return cfg.Normalize(), cfg.Validate()
}

// Normalize fills defaults for zero values.
func (c Config) Normalize() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ActivityConcurrency <= 0 {
		c.ActivityConcurrency = 16
	}
	if c.AppendRetries < 0 {
		c.AppendRetries = 0
	}
	c.Version = c.Version.Normalize()
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if strings.TrimSpace(c.Storage.TablePrefix) == "" {
		c.Storage.TablePrefix = "durable"
	}
	return c
}

// Validate rejects structurally invalid configuration.
func (c Config) Validate() error {
	if err := c.Version.Validate(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "":
	default:
		return durable.NewError(durable.ErrInvalidConfig, "unknown storage driver", nil, map[string]any{
			"driver": c.Storage.Driver,
		})
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.DSN) == "" {
		return durable.NewError(durable.ErrInvalidConfig, "sqlite storage requires a dsn", nil, nil)
	}
	if c.LockTimeout < 0 {
		return durable.NewError(durable.ErrInvalidConfig, "lock timeout must not be negative", nil, nil)
	}
	return nil
}
