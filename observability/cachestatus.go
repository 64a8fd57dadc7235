// Package observability renders the decision engine's per-request Attrs
// into the collaborators that make the cache debuggable: the RFC 9211
// Cache-Status response header, structured log lines in the teacher's
// density, and Prometheus counters/histograms.
package observability

import (
	"fmt"
	"strings"

	"github.com/cachefront/cachefront/engine"
)

// Identifier names this cache layer in the Cache-Status header value
// (RFC 9211 §2), distinguishing it from any other layer in a chain.
const Identifier = "Cachefront"

// CacheStatus renders attrs as one RFC 9211 Cache-Status header field
// value. Status/FwdReason/Stored/Collapsed/TTL map directly onto the
// hit/fwd/stored/collapsed/ttl parameters; detail carries anything the
// caller wants surfaced that the standard parameters don't cover (e.g. an
// internal error class), matching the header's §2.8 escape hatch.
func CacheStatus(attrs engine.Attrs, detail string) string {
	var b strings.Builder
	b.WriteString(Identifier)

	switch {
	case attrs.Synthetic:
		if attrs.FwdReason != "" {
			fmt.Fprintf(&b, "; fwd=%s", attrs.FwdReason)
		} else {
			b.WriteString("; fwd=miss")
		}
	case attrs.Status == engine.StatusHit, attrs.Status == engine.StatusModuleResponse:
		b.WriteString("; hit")
		if attrs.TTL != 0 {
			fmt.Fprintf(&b, "; ttl=%d", int64(attrs.TTL.Seconds()))
		}
	case attrs.Status == engine.StatusValidated:
		b.WriteString("; fwd=stale; fwd-status=304")
	default:
		if attrs.FwdReason != "" {
			fmt.Fprintf(&b, "; fwd=%s", attrs.FwdReason)
		} else {
			b.WriteString("; fwd=miss")
		}
	}

	if attrs.Stored {
		b.WriteString("; stored")
	}
	if attrs.Collapsed {
		b.WriteString("; collapsed")
	}
	if attrs.Key != "" {
		fmt.Fprintf(&b, "; key=%q", attrs.Key)
	}
	if detail != "" {
		fmt.Fprintf(&b, "; detail=%q", detail)
	}
	return b.String()
}
