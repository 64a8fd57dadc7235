// Package cachecontrol parses request and response Cache-Control header
// fields into typed directive records, per RFC 9111 §5.2.
package cachecontrol

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// directives is the case-folded token -> argument map shared by request and
// response parsing. A present directive with no argument maps to "".
type directives map[string]string

func parse(values []string) directives {
	d := make(directives)
	for _, header := range values {
		for _, tok := range strings.Split(header, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			name, arg, _ := strings.Cut(tok, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			d[name] = strings.Trim(strings.TrimSpace(arg), `"`)
		}
	}
	return d
}

func (d directives) has(name string) bool {
	_, ok := d[name]
	return ok
}

func (d directives) seconds(name string) (time.Duration, bool) {
	raw, ok := d[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Request holds the directives a client may send.
type Request struct {
	NoCache          bool
	NoStore          bool
	OnlyIfCached     bool
	NoTransform      bool
	MaxAge           time.Duration
	HasMaxAge        bool
	MinFresh         time.Duration
	HasMinFresh      bool
	MaxStale         time.Duration
	HasMaxStale      bool
	MaxStaleUnlimited bool
	// StaleIfError is an RFC 5861 extension directive: not part of the
	// core request directive set, but the suitability checker consults it
	// alongside the response directive and the configured default window.
	StaleIfError    time.Duration
	HasStaleIfError bool
}

// ParseRequest reads the Cache-Control request directives relevant to cache
// servability and suitability.
func ParseRequest(h http.Header) Request {
	d := parse(h.Values("Cache-Control"))
	r := Request{
		NoCache:      d.has("no-cache"),
		NoStore:      d.has("no-store"),
		OnlyIfCached: d.has("only-if-cached"),
		NoTransform:  d.has("no-transform"),
	}
	r.MaxAge, r.HasMaxAge = d.seconds("max-age")
	r.MinFresh, r.HasMinFresh = d.seconds("min-fresh")
	r.StaleIfError, r.HasStaleIfError = d.seconds("stale-if-error")
	if d.has("max-stale") {
		r.HasMaxStale = true
		if v, ok := d.seconds("max-stale"); ok {
			r.MaxStale = v
		} else {
			r.MaxStaleUnlimited = true
		}
	}
	return r
}

// Response holds the directives an origin may send.
type Response struct {
	NoStore              bool
	NoCache              bool
	NoCacheFields        []string
	Private              bool
	PrivateFields        []string
	Public               bool
	MustRevalidate       bool
	ProxyRevalidate      bool
	SMaxAge              time.Duration
	HasSMaxAge           bool
	MaxAge               time.Duration
	HasMaxAge            bool
	StaleWhileRevalidate time.Duration
	HasStaleWhileRevalidate bool
	StaleIfError         time.Duration
	HasStaleIfError      bool
}

// ParseResponse reads the Cache-Control response directives relevant to
// storage eligibility and freshness calculation.
func ParseResponse(h http.Header) Response {
	d := parse(h.Values("Cache-Control"))
	r := Response{
		NoStore:         d.has("no-store"),
		NoCache:         d.has("no-cache"),
		Public:          d.has("public"),
		MustRevalidate:  d.has("must-revalidate"),
		ProxyRevalidate: d.has("proxy-revalidate"),
	}
	if d.has("no-cache") {
		r.NoCacheFields = fieldList(d["no-cache"])
	}
	if d.has("private") {
		r.Private = true
		r.PrivateFields = fieldList(d["private"])
	}
	r.SMaxAge, r.HasSMaxAge = d.seconds("s-maxage")
	r.MaxAge, r.HasMaxAge = d.seconds("max-age")
	r.StaleWhileRevalidate, r.HasStaleWhileRevalidate = d.seconds("stale-while-revalidate")
	r.StaleIfError, r.HasStaleIfError = d.seconds("stale-if-error")
	return r
}

// fieldList splits the quoted field-name list argument of a qualified
// no-cache/private directive, e.g. no-cache="Set-Cookie,X-Internal".
func fieldList(arg string) []string {
	if arg == "" {
		return nil
	}
	parts := strings.Split(arg, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NoCacheBlocks reports whether the response's qualified no-cache directive
// bans reuse of the given header field without revalidation.
func (r Response) NoCacheBlocks(field string) bool {
	if len(r.NoCacheFields) == 0 {
		return false
	}
	for _, f := range r.NoCacheFields {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}
