package serialize

import (
	"net/http"
	"testing"
	"time"

	"github.com/cachefront/cachefront/store"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := &store.Entry{
		Key:          "example.com:GET:/a\t",
		Status:       200,
		Proto:        "HTTP/1.1",
		Header:       http.Header{"Etag": []string{`"v1"`}, "Content-Type": []string{"text/plain"}},
		Body:         []byte("hello"),
		RequestDate:  time.Unix(1000, 0),
		ResponseDate: time.Unix(1001, 0),
	}

	b, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(e.Key, b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Body) != "hello" {
		t.Fatalf("body = %q, want %q", got.Body, "hello")
	}
	if got.Header.Get("Etag") != `"v1"` {
		t.Fatalf("etag = %q", got.Header.Get("Etag"))
	}
	if !got.RequestDate.Equal(e.RequestDate) || !got.ResponseDate.Equal(e.ResponseDate) {
		t.Fatalf("dates did not round-trip: %v / %v", got.RequestDate, got.ResponseDate)
	}
}

func TestEncodeDecodeVariantRoot(t *testing.T) {
	e := &store.Entry{
		Key:    "example.com:GET:/a\t",
		Status: 200,
		Header: http.Header{"Vary": []string{"Accept-Language"}},
		Variants: map[string]string{
			"example.com:GET:/a\t\naccept-language: en": "example.com:GET:/a\t\naccept-language: en",
		},
		RequestDate:  time.Unix(1000, 0),
		ResponseDate: time.Unix(1000, 0),
	}
	b, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(e.Key, b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.IsVariantRoot() {
		t.Fatalf("expected variant root to decode with its Variants map")
	}
	if got.Body != nil {
		t.Fatalf("variant root must not carry a body, got %q", got.Body)
	}
}
