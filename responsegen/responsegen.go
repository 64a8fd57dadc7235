// Package responsegen synthesizes a client-visible *http.Response from a
// stored entry, including the bare 304 emitted when the client's own
// conditional request is satisfied by the chosen entry.
package responsegen

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cachefront/cachefront/store"
	"github.com/cachefront/cachefront/validity"
)

// ErrVariantRoot is returned by Generate when asked to synthesize a
// response directly from a variant root, which never carries a body.
var ErrVariantRoot = errors.New("responsegen: cannot generate response from variant root")

// Generate synthesizes a client-visible response from entry, recomputing
// its Age header for now. The body reads the entry's stored bytes directly
// (no copy is made); closing it does not affect the stored value.
func Generate(req *http.Request, entry *store.Entry, now time.Time, cfg validity.Config) (*http.Response, error) {
	if entry.IsVariantRoot() {
		return nil, ErrVariantRoot
	}
	header := entry.Header.Clone()
	age := validity.Age(validity.AgeHeaderValue(entry.Header), entry.RequestDate, entry.ResponseDate, now)
	header.Set("Age", strconv.Itoa(int(age.Seconds())))

	res := &http.Response{
		Status:        statusText(entry.Status),
		StatusCode:    entry.Status,
		Proto:         protoOrDefault(entry.Proto),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
	return res, nil
}

// Generate304 synthesizes a bare 304 carrying only the entry's validators,
// used when the original client request's own conditionals are already
// satisfied by the chosen entry.
func Generate304(req *http.Request, entry *store.Entry) *http.Response {
	header := http.Header{}
	if etag := entry.Header.Get("ETag"); etag != "" {
		header.Set("ETag", etag)
	}
	if lm := entry.Header.Get("Last-Modified"); lm != "" {
		header.Set("Last-Modified", lm)
	}
	return &http.Response{
		Status:     statusText(http.StatusNotModified),
		StatusCode: http.StatusNotModified,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
}

func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return strconv.Itoa(code) + " " + t
	}
	return strconv.Itoa(code)
}

func protoOrDefault(p string) string {
	if p == "" {
		return "HTTP/1.1"
	}
	return p
}
