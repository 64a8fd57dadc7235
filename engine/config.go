package engine

import (
	"time"

	"github.com/cachefront/cachefront/policy"
	"github.com/cachefront/cachefront/suitability"
	"github.com/cachefront/cachefront/validity"
)

// Config carries every tunable that affects the decision engine's
// branching, beyond what the store/async collaborators own themselves.
type Config struct {
	Validity                           validity.Config
	MaxObjectSize                      int64
	NeverCacheHTTP10ResponsesWithQuery bool
	NeverCacheHTTP11ResponsesWithQuery bool
	FreshnessCheckEnabled              bool
	StaleWhileRevalidateEnabled        bool
	StaleIfErrorEnabled                bool
	StaleIfErrorDefault                time.Duration
}

// DefaultConfig matches the distilled core's implicit defaults: shared
// cache on, heuristic caching on at 10%, no stale windows unless
// configured.
func DefaultConfig() Config {
	return Config{
		Validity:      validity.DefaultConfig(),
		MaxObjectSize: 2 << 20, // 2 MiB
	}
}

func (c Config) policy() policy.Config {
	return policy.Config{
		Validity:                           c.Validity,
		NeverCacheHTTP10ResponsesWithQuery: c.NeverCacheHTTP10ResponsesWithQuery,
		NeverCacheHTTP11ResponsesWithQuery: c.NeverCacheHTTP11ResponsesWithQuery,
	}
}

func (c Config) suitability() suitability.Config {
	return suitability.Config{
		Validity:                    c.Validity,
		StaleWhileRevalidateEnabled: c.StaleWhileRevalidateEnabled,
		StaleIfErrorEnabled:         c.StaleIfErrorEnabled,
		StaleIfErrorDefault:         c.StaleIfErrorDefault,
	}
}
