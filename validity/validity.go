// Package validity computes freshness lifetime, current age, and staleness
// per RFC 9111 §4.2.
package validity

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cachefront/cachefront/cachecontrol"
)

// Config carries the tunables that affect freshness computation.
type Config struct {
	SharedCache              bool
	HeuristicCachingEnabled  bool
	HeuristicCoefficient     float64 // fraction of (Date - Last-Modified), typically 0.1
	HeuristicDefaultLifetime time.Duration
}

// DefaultConfig matches the distilled core's implicit defaults.
func DefaultConfig() Config {
	return Config{
		SharedCache:              true,
		HeuristicCachingEnabled:  true,
		HeuristicCoefficient:     0.1,
		HeuristicDefaultLifetime: 0,
	}
}

var heuristicallyCacheable = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
	300: true, 301: true, 308: true, 404: true,
	405: true, 410: true, 414: true, 451: true, 501: true,
}

// FreshnessLifetime returns the configured or heuristic freshness lifetime
// for a response, following RFC 9111 §4.2.1/§4.2.2. The response's own Date
// header is used when it parses; otherwise respDate, the time the response
// was received, stands in for it.
func FreshnessLifetime(cc cachecontrol.Response, header http.Header, respDate time.Time, cfg Config) time.Duration {
	date := respDate
	if d, err := http.ParseTime(header.Get("Date")); err == nil {
		date = d
	}
	if cfg.SharedCache && cc.HasSMaxAge {
		return cc.SMaxAge
	}
	if cc.HasMaxAge {
		return cc.MaxAge
	}
	if expiresHeader := header.Get("Expires"); expiresHeader != "" {
		if expires, err := http.ParseTime(expiresHeader); err == nil {
			return expires.Sub(date)
		}
	}
	if !cfg.HeuristicCachingEnabled {
		return 0
	}
	return heuristicFreshnessLifetime(header, date, cfg)
}

func heuristicFreshnessLifetime(header http.Header, respDate time.Time, cfg Config) time.Duration {
	lastModifiedHeader := header.Get("Last-Modified")
	if lastModifiedHeader == "" {
		return cfg.HeuristicDefaultLifetime
	}
	lastModified, err := http.ParseTime(lastModifiedHeader)
	if err != nil || !respDate.After(lastModified) {
		return cfg.HeuristicDefaultLifetime
	}
	lifetime := time.Duration(float64(respDate.Sub(lastModified)) * cfg.HeuristicCoefficient)
	if cfg.HeuristicDefaultLifetime > 0 && lifetime > cfg.HeuristicDefaultLifetime {
		return cfg.HeuristicDefaultLifetime
	}
	return lifetime
}

// IsHeuristicallyCacheable reports whether status is one of the status
// codes RFC 9110 §15.1 defines as cacheable by default absent explicit
// freshness information.
func IsHeuristicallyCacheable(status int) bool {
	return heuristicallyCacheable[status]
}

// Age computes the current age of a stored response per RFC 9111 §4.2.3,
// given the recorded Age header value (0 if absent), the request/response
// timestamps recorded at store time, and now.
func Age(ageHeaderValue time.Duration, requestDate, responseDate, now time.Time) time.Duration {
	apparentAge := durationMax(0, responseDate.Sub(requestDate))
	// Response delay is the round-trip time between sending the request
	// and receiving the response; we only ever observe requestDate and
	// responseDate bracketing it, so apparent_age already subsumes it.
	responseDelay := time.Duration(0)
	correctedAgeValue := ageHeaderValue + responseDelay
	correctedInitialAge := durationMax(apparentAge, correctedAgeValue)
	residentTime := now.Sub(responseDate)
	return correctedInitialAge + residentTime
}

func durationMax(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// AgeHeaderValue parses a response's own Age header, defaulting to 0.
func AgeHeaderValue(header http.Header) time.Duration {
	raw := header.Get("Age")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Stale reports whether age exceeds the freshness lifetime.
func Stale(age, freshnessLifetime time.Duration) bool {
	return age > freshnessLifetime
}
