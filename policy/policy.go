// Package policy decides whether a request is eligible to be served from
// the cache at all (RFC 9111 §4.D) and whether a backend response may be
// written to the store (§4.E).
package policy

import (
	"net/http"

	"github.com/cachefront/cachefront/cachecontrol"
	"github.com/cachefront/cachefront/validity"
)

// Config carries the tunables that affect request eligibility and response
// storability.
type Config struct {
	Validity                           validity.Config
	NeverCacheHTTP10ResponsesWithQuery bool
	NeverCacheHTTP11ResponsesWithQuery bool
}

// cacheableByDefault is the RFC 9110 §15.1 status set the heuristic
// freshness rule also draws from, extended with 304. The engine hands every
// backend 304 to its stray-304 handling before ResponseStorable is
// consulted, so this gate does not see a 304 on any engine path.
var cacheableByDefault = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
	300: true, 301: true, 304: true, 308: true,
	404: true, 405: true, 410: true, 414: true, 451: true, 501: true,
}

// RequestServable reports whether a request is eligible to be served from
// the cache at all. Ineligible requests bypass lookup and suitability
// entirely and go straight to the origin.
func RequestServable(req *http.Request, cc cachecontrol.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
	default:
		return false
	}
	return !cc.NoStore
}

// ResponseStorable reports whether a backend response may be written to
// the store, independent of the configured maxObjectSize (the caller
// checks that separately against Content-Length and the actual drained
// body size).
func ResponseStorable(req *http.Request, res *http.Response, cc cachecontrol.Response, cfg Config) bool {
	if cc.NoStore {
		return false
	}
	if req.Header.Get("Authorization") != "" && cfg.Validity.SharedCache {
		if !cc.Public && !cc.MustRevalidate && !cc.HasSMaxAge {
			return false
		}
	}
	if cc.Private && cfg.Validity.SharedCache && len(cc.PrivateFields) == 0 {
		return false
	}
	for _, v := range res.Header.Values("Vary") {
		if v == "*" {
			return false
		}
	}
	if !cacheableByDefault[res.StatusCode] {
		return false
	}
	hasExplicitFreshness := cc.HasMaxAge || cc.HasSMaxAge || res.Header.Get("Expires") != ""
	if !hasExplicitFreshness && !validity.IsHeuristicallyCacheable(res.StatusCode) {
		return false
	}
	if req.URL.RawQuery != "" {
		if res.ProtoMajor == 1 && res.ProtoMinor == 0 && cfg.NeverCacheHTTP10ResponsesWithQuery {
			return false
		}
		if res.ProtoMajor == 1 && res.ProtoMinor == 1 && cfg.NeverCacheHTTP11ResponsesWithQuery {
			return false
		}
	}
	return true
}

// AuthorizationBlocksReuse reports whether a shared cache must not reuse a
// stored response for this request because it carries Authorization and
// the stored response did not explicitly opt into sharing (RFC 9111
// §3.5).
func AuthorizationBlocksReuse(req *http.Request, resCC cachecontrol.Response, cfg Config) bool {
	if !cfg.Validity.SharedCache {
		return false
	}
	if req.Header.Get("Authorization") == "" {
		return false
	}
	return !resCC.Public && !resCC.MustRevalidate && !resCC.HasSMaxAge
}
