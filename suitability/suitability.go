// Package suitability classifies a cache hit against the current request,
// per RFC 9111 §4 and the freshness/staleness rules of §4.2.
package suitability

import (
	"net/http"
	"strings"
	"time"

	"github.com/cachefront/cachefront/cachecontrol"
	"github.com/cachefront/cachefront/store"
	"github.com/cachefront/cachefront/validity"
)

// Classification is the suitability sum type a cache hit is reduced to
// before the decision engine picks a branch.
type Classification int

const (
	Fresh Classification = iota
	FreshEnough
	Stale
	StaleWhileRevalidated
	RevalidationRequired
	Mismatch
)

func (c Classification) String() string {
	switch c {
	case Fresh:
		return "fresh"
	case FreshEnough:
		return "fresh-enough"
	case Stale:
		return "stale"
	case StaleWhileRevalidated:
		return "stale-while-revalidated"
	case RevalidationRequired:
		return "revalidation-required"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Config carries the tunables that affect suitability classification.
type Config struct {
	Validity                    validity.Config
	StaleWhileRevalidateEnabled bool
	StaleIfErrorEnabled         bool
	StaleIfErrorDefault         time.Duration
}

// Classify returns the suitability of entry for req at now. Callers are
// expected to have already ruled out method/Vary/Authorization mismatches
// and non-repeatable-body cases, which the engine checks ahead of calling
// Classify (see §4.K.2's table, which lists those as sibling branches).
func Classify(now time.Time, reqCC cachecontrol.Request, entry *store.Entry, resCC cachecontrol.Response, cfg Config) Classification {
	age := validity.Age(validity.AgeHeaderValue(entry.Header), entry.RequestDate, entry.ResponseDate, now)
	freshness := validity.FreshnessLifetime(resCC, entry.Header, entry.ResponseDate, cfg.Validity)
	stale := validity.Stale(age, freshness)

	mustRevalidate := reqCC.NoCache || resCC.NoCache || resCC.MustRevalidate ||
		(cfg.Validity.SharedCache && resCC.ProxyRevalidate)

	if !stale {
		// must-revalidate and proxy-revalidate only take effect once the
		// entry is stale; no-cache demands revalidation even while fresh.
		if reqCC.NoCache || resCC.NoCache {
			return RevalidationRequired
		}
		if reqCC.HasMinFresh && age+reqCC.MinFresh > freshness {
			return RevalidationRequired
		}
		return Fresh
	}

	if mustRevalidate {
		return RevalidationRequired
	}
	if reqCC.HasMaxStale {
		if reqCC.MaxStaleUnlimited || age-freshness <= reqCC.MaxStale {
			return FreshEnough
		}
	}
	if cfg.Validity.SharedCache && cfg.StaleWhileRevalidateEnabled && resCC.HasStaleWhileRevalidate {
		if age-freshness <= resCC.StaleWhileRevalidate {
			return StaleWhileRevalidated
		}
	}
	return Stale
}

// IsConditional reports whether req itself carries a validator, i.e.
// whether the client is performing its own conditional request.
func IsConditional(req *http.Request) bool {
	return req.Header.Get("If-None-Match") != "" || req.Header.Get("If-Modified-Since") != ""
}

// AllConditionalsMatch implements RFC 9110 §13.1 precondition evaluation
// for If-None-Match / If-Modified-Since against the chosen entry. A
// request with no conditional headers at all is not "satisfied" by this
// check (there is nothing to satisfy); callers must gate on IsConditional
// first.
func AllConditionalsMatch(req *http.Request, entry *store.Entry) bool {
	if !IsConditional(req) {
		return false
	}
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		etag := entry.Header.Get("ETag")
		if etag == "" || !etagMatchesAny(etag, inm) {
			return false
		}
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		validator := lastModifiedOrDate(entry)
		if validator.IsZero() || validator.After(since) {
			return false
		}
	}
	return true
}

// IsSuitableIfError reports whether a stale entry may be returned in place
// of an origin error, per the stale-if-error directive (request or
// response) or the configured default window.
func IsSuitableIfError(now time.Time, entry *store.Entry, resCC cachecontrol.Response, reqCC cachecontrol.Request, cfg Config) bool {
	if resCC.MustRevalidate {
		return false
	}
	window, ok := staleIfErrorWindow(reqCC, resCC, cfg)
	if !ok {
		return false
	}
	age := validity.Age(validity.AgeHeaderValue(entry.Header), entry.RequestDate, entry.ResponseDate, now)
	freshness := validity.FreshnessLifetime(resCC, entry.Header, entry.ResponseDate, cfg.Validity)
	return age-freshness <= window
}

func staleIfErrorWindow(reqCC cachecontrol.Request, resCC cachecontrol.Response, cfg Config) (time.Duration, bool) {
	if reqCC.HasStaleIfError {
		return reqCC.StaleIfError, true
	}
	if resCC.HasStaleIfError {
		return resCC.StaleIfError, true
	}
	if cfg.StaleIfErrorEnabled {
		return cfg.StaleIfErrorDefault, true
	}
	return 0, false
}

func lastModifiedOrDate(entry *store.Entry) time.Time {
	if lm := entry.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return t
		}
	}
	if t, err := http.ParseTime(entry.Header.Get("Date")); err == nil {
		return t
	}
	return time.Time{}
}

func etagMatchesAny(etag, headerValue string) bool {
	if strings.TrimSpace(headerValue) == "*" {
		return true
	}
	target := weakTrim(etag)
	for _, candidate := range strings.Split(headerValue, ",") {
		if weakTrim(strings.TrimSpace(candidate)) == target {
			return true
		}
	}
	return false
}

func weakTrim(etag string) string {
	return strings.TrimPrefix(etag, "W/")
}
