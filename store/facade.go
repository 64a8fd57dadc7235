package store

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cachefront/cachefront/cachecontrol"
	"github.com/cachefront/cachefront/cachekey"
	"github.com/cachefront/cachefront/validity"
)

// Facade implements the cache store operations the decision engine drives,
// on top of any Backend. It owns key derivation (via cachekey) and
// freshness-lifetime computation (via validity) so backends only ever see
// raw get/put/delete/keys calls.
type Facade struct {
	Backend  Backend
	Validity validity.Config
}

// NewFacade returns a Facade with the given backend and default freshness
// configuration.
func NewFacade(backend Backend) *Facade {
	return &Facade{Backend: backend, Validity: validity.DefaultConfig()}
}

// Match looks up the entry for (host, request), following the Vary-selected
// variant map when the fingerprint-indexed entry is a variant root.
func (f *Facade) Match(host string, req *http.Request) (Match, error) {
	keyer := cachekey.New(host)
	fp := keyer.Fingerprint(req)

	root, ok, err := f.Backend.Get(fp)
	if err != nil {
		return Match{}, fmt.Errorf("store: match: %w", err)
	}
	if !ok {
		return Match{}, nil
	}
	if !root.IsVariantRoot() {
		return Match{Root: root, Hit: root}, nil
	}

	variantKey := keyer.VariantKey(fp, root.Header.Values("Vary"), req)
	entryKey, ok := root.Variants[variantKey]
	if !ok {
		return Match{Root: root}, nil
	}
	hit, ok, err := f.Backend.Get(entryKey)
	if err != nil {
		return Match{Root: root}, fmt.Errorf("store: match variant: %w", err)
	}
	if !ok {
		return Match{Root: root}, nil
	}
	return Match{Root: root, Hit: hit}, nil
}

// Store writes a fresh backend response as a new entry, creating or
// extending a variant root when the response carries a Vary header.
func (f *Facade) Store(host string, req *http.Request, res *http.Response, body []byte, reqDate, respDate time.Time) (*Entry, error) {
	keyer := cachekey.New(host)
	fp := keyer.Fingerprint(req)
	varyNames := res.Header.Values("Vary")

	leafKey := fp
	if len(varyNames) > 0 {
		leafKey = keyer.VariantKey(fp, varyNames, req)
	}
	leaf := &Entry{
		Key:          leafKey,
		Status:       res.StatusCode,
		Proto:        res.Proto,
		Header:       res.Header.Clone(),
		Body:         body,
		RequestDate:  reqDate,
		ResponseDate: respDate,
	}
	ttl := f.ttl(res.Header, respDate)
	if err := f.Backend.Put(leafKey, ttl, leaf); err != nil {
		return nil, fmt.Errorf("store: put entry: %w", err)
	}
	if len(varyNames) == 0 {
		return leaf, nil
	}

	variants := map[string]string{}
	if root, ok, err := f.Backend.Get(fp); err == nil && ok && root.IsVariantRoot() {
		for k, v := range root.Variants {
			variants[k] = v
		}
	}
	variants[leafKey] = leafKey
	root := &Entry{
		Key:          fp,
		Status:       res.StatusCode,
		Proto:        res.Proto,
		Header:       http.Header{"Vary": append([]string(nil), varyNames...)},
		Variants:     variants,
		RequestDate:  reqDate,
		ResponseDate: respDate,
	}
	if err := f.Backend.Put(fp, 0, root); err != nil {
		return nil, fmt.Errorf("store: put variant root: %w", err)
	}
	return leaf, nil
}

// Update merges a 304 response's headers into the stored entry, per RFC
// 9111 §4.3.4: the new entry keeps the old body but response headers win.
func (f *Facade) Update(hit *Entry, host string, req *http.Request, res *http.Response, reqDate, respDate time.Time) (*Entry, error) {
	merged := mergeHeaders(hit.Header, res.Header)
	updated := &Entry{
		Key:          hit.Key,
		Status:       hit.Status,
		Proto:        hit.Proto,
		Header:       merged,
		Body:         hit.Body,
		RequestDate:  reqDate,
		ResponseDate: respDate,
		Variants:     hit.Variants,
	}
	ttl := f.ttl(merged, respDate)
	if err := f.Backend.Put(hit.Key, ttl, updated); err != nil {
		return nil, fmt.Errorf("store: update: %w", err)
	}
	return updated, nil
}

// StoreFromNegotiated merges a variant-negotiation 304 into the matched
// variant leaf. The merge semantics are identical to Update; negotiation
// only differs in how the matching entry was found.
func (f *Facade) StoreFromNegotiated(matched *Entry, host string, req *http.Request, res *http.Response, reqDate, respDate time.Time) (*Entry, error) {
	return f.Update(matched, host, req, res, reqDate, respDate)
}

// EvictInvalidatedEntries drops cache entries for the request URI and any
// Location/Content-Location targets, per RFC 9111 §4.4, when an unsafe
// method produced a non-error response.
func (f *Facade) EvictInvalidatedEntries(host string, req *http.Request, res *http.Response) error {
	if isSafeMethod(req.Method) || res.StatusCode >= 400 {
		return nil
	}
	keyer := cachekey.New(host)
	targets := []string{req.URL.RequestURI()}
	if loc := res.Header.Get("Location"); loc != "" {
		if u, err := req.URL.Parse(loc); err == nil {
			targets = append(targets, u.RequestURI())
		}
	}
	if cl := res.Header.Get("Content-Location"); cl != "" {
		if u, err := req.URL.Parse(cl); err == nil {
			targets = append(targets, u.RequestURI())
		}
	}
	for _, uri := range targets {
		getReq, err := http.NewRequest(http.MethodGet, uri, nil)
		if err != nil {
			continue
		}
		fp := keyer.Fingerprint(getReq)
		keys, err := f.Backend.Keys(fp)
		if err != nil {
			continue
		}
		for _, k := range keys {
			_ = f.Backend.Delete(k)
		}
	}
	return nil
}

// Variants returns every leaf entry referenced by a variant root.
func (f *Facade) Variants(root *Entry) ([]*Entry, error) {
	if !root.IsVariantRoot() {
		return nil, nil
	}
	out := make([]*Entry, 0, len(root.Variants))
	for _, key := range root.Variants {
		e, ok, err := f.Backend.Get(key)
		if err != nil {
			return out, fmt.Errorf("store: variants: %w", err)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Facade) ttl(header http.Header, respDate time.Time) time.Duration {
	cc := cachecontrol.ParseResponse(header)
	return validity.FreshnessLifetime(cc, header, respDate, f.Validity)
}

// mergeHeaders implements the RFC 9111 §3.2 update rule: every header field
// in fresh is added to stored, replacing values already present, except
// Content-Length (whose value describes fresh's now-discarded 304 body, not
// the entry's preserved one).
func mergeHeaders(stored, fresh http.Header) http.Header {
	merged := stored.Clone()
	for name, values := range fresh {
		if http.CanonicalHeaderKey(name) == "Content-Length" {
			continue
		}
		merged.Del(name)
		for _, v := range values {
			merged.Add(name, v)
		}
	}
	return merged
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
