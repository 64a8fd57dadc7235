package engine

import (
	"net/http"
	"time"

	"github.com/cachefront/cachefront/cacheupdate"
	"github.com/cachefront/cachefront/store"
)

// Store is the cache store facade the decision engine drives. store.Facade
// satisfies it directly; tests substitute smaller fakes.
type Store interface {
	Match(host string, req *http.Request) (store.Match, error)
	Store(host string, req *http.Request, res *http.Response, body []byte, reqDate, respDate time.Time) (*store.Entry, error)
	Update(hit *store.Entry, host string, req *http.Request, res *http.Response, reqDate, respDate time.Time) (*store.Entry, error)
	StoreFromNegotiated(matched *store.Entry, host string, req *http.Request, res *http.Response, reqDate, respDate time.Time) (*store.Entry, error)
	EvictInvalidatedEntries(host string, req *http.Request, res *http.Response) error
	Variants(root *store.Entry) ([]*store.Entry, error)
}

// AsyncRevalidator is the background revalidation collaborator (§4.J).
// Engine treats a nil AsyncRevalidator as a first-class "no async
// configured" state rather than special-casing it at every call site.
type AsyncRevalidator interface {
	Revalidate(entryKey string, thunk func() error)
}

// TransformRules optionally rewrites a backend response's caching headers
// before the response policy decision (§4.N). A nil TransformRules is a
// no-op.
type TransformRules interface {
	Apply(res *http.Response)
}

// CacheUpdater dispatches a proactive Cache-Update refresh (§4.O) for one
// parsed update entry. A nil CacheUpdater disables the feature entirely.
type CacheUpdater interface {
	Dispatch(update cacheupdate.Update, refresh func(path string) error)
}
