// Package conditional builds the validating and unconditional requests the
// decision engine sends upstream: If-None-Match / If-Modified-Since
// revalidation requests, variant-negotiation requests carrying every
// candidate ETag, and the stripped-down unconditional retry.
package conditional

import (
	"net/http"
	"strings"

	"github.com/cachefront/cachefront/cachecontrol"
	"github.com/cachefront/cachefront/store"
)

// BuildConditionalRequest derives a validating request for a stale entry,
// per RFC 9111 §4.3.1: If-None-Match from the entry's ETag, If-Modified-
// Since from its Last-Modified (falling back to Date), skipping either
// validator the response's qualified no-cache field list bans from reuse
// without revalidation.
func BuildConditionalRequest(resCC cachecontrol.Response, original *http.Request, entry *store.Entry) *http.Request {
	req := clone(original)
	if etag := entry.Header.Get("ETag"); etag != "" && !resCC.NoCacheBlocks("ETag") {
		req.Header.Set("If-None-Match", etag)
	}
	validator := entry.Header.Get("Last-Modified")
	if validator == "" {
		validator = entry.Header.Get("Date")
	}
	if validator != "" && !resCC.NoCacheBlocks("Last-Modified") {
		req.Header.Set("If-Modified-Since", validator)
	}
	return req
}

// BuildConditionalRequestFromVariants builds the variant-negotiation
// request carrying every candidate variant's ETag in one comma-joined
// If-None-Match.
func BuildConditionalRequestFromVariants(original *http.Request, etags []string) *http.Request {
	req := clone(original)
	req.Header.Del("If-Modified-Since")
	req.Header.Set("If-None-Match", strings.Join(etags, ", "))
	return req
}

// BuildUnconditionalRequest strips every conditional header and marks the
// request as explicitly bypassing any intermediate cache, used to retry
// after detecting a less-up-to-date backend (isNewer) or an unrecognized
// negotiation ETag.
func BuildUnconditionalRequest(original *http.Request) *http.Request {
	req := clone(original)
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
	req.Header.Del("If-Match")
	req.Header.Del("If-Unmodified-Since")
	req.Header.Del("If-Range")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	return req
}

// clone copies a request's method, URL, and headers, and rewinds its body
// via GetBody when present so the copy can be replayed independently of
// the original.
func clone(original *http.Request) *http.Request {
	req := original.Clone(original.Context())
	req.Header = original.Header.Clone()
	if original.GetBody != nil {
		if body, err := original.GetBody(); err == nil {
			req.Body = body
		}
	}
	return req
}
