// Package cachekey derives the fingerprint and variant keys a store indexes
// entries by, and can reconstruct a synthetic request from a bare key for
// background revalidation and cache-warming paths.
package cachekey

import (
	"errors"
	"net/http"
	"sort"
	"strings"
)

const (
	originSep = ":"
	methodSep = ":"
	varySep   = "\t"
)

// ErrMethodNotSupported is returned when a key cannot be turned back into a
// request because it wasn't derived from a GET fingerprint.
var ErrMethodNotSupported = errors.New("cachekey: method not supported for reconstruction")

// Keyer builds and parses cache keys scoped to one origin.
type Keyer struct {
	OriginID string
}

// New returns a Keyer for the given origin identifier (typically the
// upstream host).
func New(originID string) Keyer {
	return Keyer{OriginID: originID}
}

// Fingerprint returns the key for a request without any variant selection,
// i.e. the root entry's key for this (host, method, URI).
func (k Keyer) Fingerprint(req *http.Request) string {
	return k.OriginID + originSep + req.Method + methodSep + req.URL.RequestURI() + varySep
}

// VariantKey extends a fingerprint with the request's values for the given
// Vary-selected header names, producing the key of the matching variant leaf.
func (k Keyer) VariantKey(fingerprint string, varyNames []string, req *http.Request) string {
	if len(varyNames) == 0 {
		return fingerprint
	}
	names := append([]string(nil), varyNames...)
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(fingerprint)
	for _, name := range names {
		if _, present := req.Header[http.CanonicalHeaderKey(name)]; !present {
			continue
		}
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(name))
		b.WriteString(": ")
		b.WriteString(req.Header.Get(name))
	}
	return b.String()
}

// RequestFromKey reconstructs a GET request equivalent (method, URI, and
// vary-selected headers) to the one that produced key. Only GET fingerprints
// are reconstructible: unsafe methods are never background-revalidated or
// proactively warmed from a bare key.
func (k Keyer) RequestFromKey(key string) (*http.Request, error) {
	prefix := k.OriginID + originSep + http.MethodGet + methodSep
	if !strings.HasPrefix(key, prefix) {
		return nil, ErrMethodNotSupported
	}
	rest := strings.TrimPrefix(key, prefix)
	uri, varyPart, _ := strings.Cut(rest, varySep)
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header = varyHeaders(varyPart)
	return req, nil
}

func varyHeaders(varyPart string) http.Header {
	h := make(http.Header)
	if varyPart == "" {
		return h
	}
	for _, line := range strings.Split(varyPart, "\n") {
		if line == "" {
			continue
		}
		name, val, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		h.Add(name, val)
	}
	return h
}
