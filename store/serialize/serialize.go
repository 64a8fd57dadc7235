// Package serialize frames a cache entry's status line, headers, and body
// into a single byte-exact blob for backends that persist outside process
// memory (disk, SQLite, Redis). The in-memory backend never needs this: it
// keeps live *store.Entry values.
package serialize

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cachefront/cachefront/store"
)

const (
	requestDateHeader  = "X-Cachefront-Request-Date"
	responseDateHeader = "X-Cachefront-Response-Date"
	variantsHeader     = "X-Cachefront-Variant"
)

// Encode frames entry as an HTTP/1.1 response, carrying the request/response
// timestamps and any variant map as synthetic headers stripped back out on
// Decode. The framing is plain net/http wire format so it round-trips
// byte-exact through http.ReadResponse.
func Encode(e *store.Entry) ([]byte, error) {
	header := e.Header.Clone()
	header.Set(requestDateHeader, strconv.FormatInt(e.RequestDate.Unix(), 10))
	header.Set(responseDateHeader, strconv.FormatInt(e.ResponseDate.Unix(), 10))
	for variantKey, entryKey := range e.Variants {
		header.Add(variantsHeader, strconv.Quote(variantKey)+"="+strconv.Quote(entryKey))
	}

	res := &http.Response{
		StatusCode: e.Status,
		Proto:      protoOrDefault(e.Proto),
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}

	var buf bytes.Buffer
	if err := res.Write(&buf); err != nil {
		return nil, fmt.Errorf("serialize: encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(key string, b []byte) (*store.Entry, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("serialize: decode entry: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("serialize: decode entry body: %w", err)
	}

	entry := &store.Entry{
		Key:    key,
		Status: res.StatusCode,
		Proto:  res.Proto,
		Header: res.Header,
		Body:   body,
	}
	if reqDate := res.Header.Get(requestDateHeader); reqDate != "" {
		if sec, err := strconv.ParseInt(reqDate, 10, 64); err == nil {
			entry.RequestDate = time.Unix(sec, 0)
		}
	}
	if respDate := res.Header.Get(responseDateHeader); respDate != "" {
		if sec, err := strconv.ParseInt(respDate, 10, 64); err == nil {
			entry.ResponseDate = time.Unix(sec, 0)
		}
	}
	if variants := res.Header.Values(variantsHeader); len(variants) > 0 {
		entry.Variants = make(map[string]string, len(variants))
		for _, v := range variants {
			quotedKey, err := strconv.QuotedPrefix(v)
			if err != nil || !strings.HasPrefix(v[len(quotedKey):], "=") {
				continue
			}
			k, errK := strconv.Unquote(quotedKey)
			ek, errE := strconv.Unquote(v[len(quotedKey)+1:])
			if errK != nil || errE != nil {
				continue
			}
			entry.Variants[k] = ek
		}
	}
	entry.Header.Del(requestDateHeader)
	entry.Header.Del(responseDateHeader)
	entry.Header.Del(variantsHeader)
	if len(entry.Variants) > 0 {
		entry.Body = nil
	}
	return entry, nil
}

func protoOrDefault(p string) string {
	if p == "" {
		return "HTTP/1.1"
	}
	return p
}

