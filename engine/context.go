package engine

import (
	"net/http"
	"time"
)

// ResponseStatus is the outcome recorded for a single Execute call,
// mirroring the `cache_response_status` context attribute the decision
// engine pushes per RFC 9111 terms.
type ResponseStatus string

const (
	StatusMiss           ResponseStatus = "cache_miss"
	StatusHit            ResponseStatus = "cache_hit"
	StatusValidated      ResponseStatus = "validated"
	StatusModuleResponse ResponseStatus = "cache_module_response"
	StatusFailure        ResponseStatus = "failure"
)

// Attrs is the keyed side-channel the decision engine populates for every
// execution: a typed alternative to a weakly-typed context attribute bag.
// The observability layer (Cache-Status header, metrics, logging) reads
// it; the engine itself never consults it to make a decision.
type Attrs struct {
	Status    ResponseStatus
	Key       string
	FwdReason string
	TTL       time.Duration
	Stored    bool
	Collapsed bool
	// Synthetic marks a response the module generated itself rather than
	// served from a stored entry (a 504 for only-if-cached, a 501 for the
	// OPTIONS * probe) — observability renders these as forwarded, never
	// as a hit, regardless of Status.
	Synthetic bool
	Request   *http.Request
	Response  *http.Response
}
