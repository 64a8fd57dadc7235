package engine

import "net/http"

// Chain is the downstream collaborator the decision engine calls to reach
// the origin: `proceed(request, scope) -> response`. It may block for the
// full request round-trip and may return a transport-level error; on
// success the caller owns closing the returned response's body.
type Chain interface {
	Proceed(req *http.Request, scope *Scope) (*http.Response, error)
}

// ChainFunc adapts a plain function to a Chain.
type ChainFunc func(req *http.Request, scope *Scope) (*http.Response, error)

func (f ChainFunc) Proceed(req *http.Request, scope *Scope) (*http.Response, error) {
	return f(req, scope)
}

// Scope carries route and per-exchange context alongside a request as it
// moves through the engine and into the downstream chain. Bag is a
// client-context key/value side-channel callers may use for their own
// purposes (e.g. carrying a request ID through to logging middleware).
type Scope struct {
	Route    string
	Original *http.Request
	Bag      map[string]any
}

// Fork returns a Scope for a background revalidation: a fresh Bag so
// background writes never leak into the foreground caller's context,
// carrying the same route and original request for logging continuity.
func (s *Scope) Fork() *Scope {
	if s == nil {
		return &Scope{Bag: map[string]any{}}
	}
	return &Scope{Route: s.Route, Original: s.Original, Bag: map[string]any{}}
}
