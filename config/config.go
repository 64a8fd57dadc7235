// Package config loads the YAML-configurable settings that parameterize
// the engine, store, and transform rules (§4.R).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cachefront/cachefront/engine"
	"github.com/cachefront/cachefront/transformrules"
	"github.com/cachefront/cachefront/validity"
)

// Backend names a store implementation (§4.I).
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// Config is the top-level YAML document: one or more origins, each with
// its own host match, rule set, and caching tunables.
type Config struct {
	Addr    string   `yaml:"addr"`
	Origins []Origin `yaml:"origins"`
}

// Origin binds a host pattern to an upstream origin and its tunables.
type Origin struct {
	Origin string `yaml:"origin"`
	Host   string `yaml:"host"`

	DisableProactiveUpdate bool                  `yaml:"disableProactiveUpdate"`
	Rules                  []transformrules.Rule `yaml:"rules"`

	Backend    Backend `yaml:"backend"`
	SQLitePath string  `yaml:"sqlitePath"`
	RedisAddr  string  `yaml:"redisAddr"`
	RedisDB    int     `yaml:"redisDB"`

	SharedCache                        *bool         `yaml:"sharedCache"`
	HeuristicCachingEnabled            *bool         `yaml:"heuristicCachingEnabled"`
	HeuristicCoefficient               float64       `yaml:"heuristicCoefficient"`
	HeuristicDefaultLifetime           time.Duration `yaml:"heuristicDefaultLifetime"`
	MaxObjectSize                      int64         `yaml:"maxObjectSize"`
	NeverCacheHTTP10ResponsesWithQuery bool          `yaml:"neverCacheHTTP10ResponsesWithQuery"`
	NeverCacheHTTP11ResponsesWithQuery bool          `yaml:"neverCacheHTTP11ResponsesWithQuery"`
	FreshnessCheckEnabled              bool          `yaml:"freshnessCheckEnabled"`
	AsynchronousWorkers                int           `yaml:"asynchronousWorkers"`
	StaleIfErrorEnabled                bool          `yaml:"staleIfErrorEnabled"`
	StaleIfErrorDefault                time.Duration `yaml:"staleIfErrorDefault"`
	StaleWhileRevalidateEnabled        bool          `yaml:"staleWhileRevalidateEnabled"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// EngineConfig translates an Origin's tunables into an engine.Config,
// applying the distilled core's implicit defaults (shared cache on,
// heuristic caching on at 10%) wherever the origin leaves a setting at
// its YAML zero value.
func (o Origin) EngineConfig() engine.Config {
	defaults := engine.DefaultConfig()

	v := defaults.Validity
	if o.SharedCache != nil {
		v.SharedCache = *o.SharedCache
	}
	if o.HeuristicCachingEnabled != nil {
		v.HeuristicCachingEnabled = *o.HeuristicCachingEnabled
	}
	if o.HeuristicCoefficient > 0 {
		v.HeuristicCoefficient = o.HeuristicCoefficient
	}
	if o.HeuristicDefaultLifetime > 0 {
		v.HeuristicDefaultLifetime = o.HeuristicDefaultLifetime
	}

	cfg := defaults
	cfg.Validity = v
	if o.MaxObjectSize > 0 {
		cfg.MaxObjectSize = o.MaxObjectSize
	}
	cfg.NeverCacheHTTP10ResponsesWithQuery = o.NeverCacheHTTP10ResponsesWithQuery
	cfg.NeverCacheHTTP11ResponsesWithQuery = o.NeverCacheHTTP11ResponsesWithQuery
	cfg.FreshnessCheckEnabled = o.FreshnessCheckEnabled
	cfg.StaleWhileRevalidateEnabled = o.StaleWhileRevalidateEnabled
	cfg.StaleIfErrorEnabled = o.StaleIfErrorEnabled
	cfg.StaleIfErrorDefault = o.StaleIfErrorDefault
	return cfg
}

// ValidityConfig is a convenience accessor mirroring EngineConfig's
// freshness settings, used by collaborators (e.g. the store facade) that
// only need the validity.Config subset.
func (o Origin) ValidityConfig() validity.Config {
	return o.EngineConfig().Validity
}
