// Package engine implements the cache decision engine: the state machine
// that takes a request, a cache lookup result, and the clock, and decides
// among serving from cache, revalidating (synchronously or in the
// background), negotiating variants, or forwarding to the origin.
package engine

import (
	"bytes"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/cachecontrol"
	"github.com/cachefront/cachefront/cachekey"
	"github.com/cachefront/cachefront/cacheupdate"
	"github.com/cachefront/cachefront/clock"
	"github.com/cachefront/cachefront/conditional"
	"github.com/cachefront/cachefront/policy"
	"github.com/cachefront/cachefront/responsegen"
	"github.com/cachefront/cachefront/store"
	"github.com/cachefront/cachefront/suitability"
	"github.com/cachefront/cachefront/validity"
)

// Engine is the decision engine (§4.K). Its zero value is not usable;
// construct with New.
type Engine struct {
	Store   Store
	Chain   Chain
	Clock   clock.Clock
	Config  Config
	Async   AsyncRevalidator // nil disables the stale-while-revalidate background path
	Rules   TransformRules
	Updater CacheUpdater // nil disables proactive Cache-Update handling
	Logger  zerolog.Logger

	hits    uint64
	misses  uint64
	updates uint64
}

// New returns an Engine wired to the given collaborators. Async and Rules
// may be nil.
func New(st Store, chain Chain, clk clock.Clock, cfg Config) *Engine {
	return &Engine{Store: st, Chain: chain, Clock: clk, Config: cfg, Logger: zerolog.Nop()}
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Updates uint64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Hits:    atomic.LoadUint64(&e.hits),
		Misses:  atomic.LoadUint64(&e.misses),
		Updates: atomic.LoadUint64(&e.updates),
	}
}

// Execute is the engine's single public operation (§4.K): it runs the
// full decision procedure and returns the response the caller should send
// downstream, plus the attributes observability collaborators use to
// build the Cache-Status header, metrics, and log lines.
func (e *Engine) Execute(req *http.Request, scope *Scope) (*http.Response, Attrs, error) {
	now := e.Clock.Now()
	attrs := Attrs{Request: req}

	if req.Method == http.MethodOptions && req.URL.Path == "*" && req.Header.Get("Max-Forwards") == "0" {
		attrs.Status = StatusModuleResponse
		attrs.FwdReason = "method"
		attrs.Synthetic = true
		return notImplemented(req), attrs, nil
	}

	host := targetHost(req)
	keyer := cachekey.New(host)
	attrs.Key = keyer.Fingerprint(req)

	reqCC := cachecontrol.ParseRequest(req.Header)

	if !policy.RequestServable(req, reqCC) {
		attrs.FwdReason = "method"
		return e.callBackend(req, scope, &attrs)
	}

	match, err := e.Store.Match(host, req)
	if err != nil {
		e.Logger.Warn().Err(err).Str("key", attrs.Key).Msg("cache lookup failed")
		match = store.Match{}
	}

	if match.Hit == nil {
		return e.cacheMiss(req, scope, match, reqCC, host, &attrs, now)
	}
	return e.cacheHit(req, scope, match, reqCC, host, &attrs, now)
}

func (e *Engine) cacheMiss(req *http.Request, scope *Scope, match store.Match, reqCC cachecontrol.Request, host string, attrs *Attrs, now time.Time) (*http.Response, Attrs, error) {
	atomic.AddUint64(&e.misses, 1)
	attrs.Status = StatusMiss
	attrs.FwdReason = "uri-miss"

	if reqCC.OnlyIfCached {
		attrs.Status = StatusModuleResponse
		attrs.Synthetic = true
		return gatewayTimeout(req), *attrs, nil
	}

	if match.Root.IsVariantRoot() && (req.Body == nil || req.Body == http.NoBody) {
		variants, err := e.Store.Variants(match.Root)
		if err == nil && len(variants) > 0 {
			attrs.FwdReason = "vary-miss"
			return e.negotiateVariants(req, scope, variants, host, attrs)
		}
	}

	return e.callBackend(req, scope, attrs)
}

func (e *Engine) cacheHit(req *http.Request, scope *Scope, match store.Match, reqCC cachecontrol.Request, host string, attrs *Attrs, now time.Time) (*http.Response, Attrs, error) {
	hit := match.Hit
	resCC := cachecontrol.ParseResponse(hit.Header)

	if policy.AuthorizationBlocksReuse(req, resCC, e.Config.policy()) {
		attrs.FwdReason = "request"
		return e.callBackend(req, scope, attrs)
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		attrs.FwdReason = "request"
		return e.callBackend(req, scope, attrs)
	}
	if isStored304(hit) && !suitability.IsConditional(req) {
		attrs.FwdReason = "request"
		return e.callBackend(req, scope, attrs)
	}

	class := suitability.Classify(now, reqCC, hit, resCC, e.Config.suitability())
	if reqCC.OnlyIfCached && class != suitability.Fresh && class != suitability.FreshEnough {
		attrs.Status = StatusModuleResponse
		attrs.FwdReason = "stale"
		attrs.Synthetic = true
		return gatewayTimeout(req), *attrs, nil
	}
	switch class {
	case suitability.Fresh, suitability.FreshEnough:
		return e.serveFresh(req, hit, reqCC, attrs, now)
	case suitability.RevalidationRequired:
		res, err := e.revalidateSync(req, scope, hit, resCC, host, attrs)
		if err != nil {
			attrs.Status = StatusModuleResponse
			attrs.FwdReason = "error"
			attrs.Synthetic = true
			return gatewayTimeout(req), *attrs, nil
		}
		return res, *attrs, nil
	case suitability.StaleWhileRevalidated:
		if e.Async != nil {
			e.scheduleAsyncRevalidation(req, scope, hit, host)
			res, _ := responsegen.Generate(req, hit, now, e.Config.Validity)
			attrs.Status = StatusModuleResponse
			attrs.FwdReason = "stale"
			return res, *attrs, nil
		}
		return e.revalidateWithFallback(req, scope, hit, resCC, reqCC, host, attrs, now)
	case suitability.Stale:
		return e.revalidateWithFallback(req, scope, hit, resCC, reqCC, host, attrs, now)
	default: // Mismatch
		attrs.FwdReason = "vary-miss"
		return e.callBackend(req, scope, attrs)
	}
}

func (e *Engine) serveFresh(req *http.Request, hit *store.Entry, reqCC cachecontrol.Request, attrs *Attrs, now time.Time) (*http.Response, Attrs, error) {
	res, err := responsegen.Generate(req, hit, now, e.Config.Validity)
	if err != nil {
		if reqCC.OnlyIfCached {
			attrs.Status = StatusModuleResponse
			attrs.FwdReason = "error"
			attrs.Synthetic = true
			return gatewayTimeout(req), *attrs, nil
		}
		attrs.Status = StatusFailure
		attrs.FwdReason = "request"
		out, a, rerr := e.callBackend(req, nil, attrs)
		a.Status = StatusFailure
		return out, a, rerr
	}
	atomic.AddUint64(&e.hits, 1)
	attrs.Status = StatusHit
	freshness := validityFreshness(hit, e.Config)
	age := validityAge(hit, now)
	attrs.TTL = freshness - age
	return res, *attrs, nil
}

// revalidateSync runs the §4.K.5 synchronous revalidation protocol with no
// stale-if-error fallback (used from the RevalidationRequired branch).
func (e *Engine) revalidateSync(req *http.Request, scope *Scope, hit *store.Entry, resCC cachecontrol.Response, host string, attrs *Attrs) (*http.Response, error) {
	condReq := conditional.BuildConditionalRequest(resCC, req, hit)
	t0 := e.Clock.Now()
	res, err := e.Chain.Proceed(condReq, scope)
	t1 := e.Clock.Now()
	if err != nil {
		return nil, err
	}

	if isNewer(hit, res) {
		closeBody(res)
		unconditional := conditional.BuildUnconditionalRequest(req)
		t0 = e.Clock.Now()
		res, err = e.Chain.Proceed(unconditional, scope)
		t1 = e.Clock.Now()
		if err != nil {
			return nil, err
		}
	}

	if res.StatusCode == http.StatusNotModified {
		closeBody(res)
		updated, uerr := e.Store.Update(hit, host, req, res, t0, t1)
		if uerr != nil {
			e.Logger.Error().Err(uerr).Str("key", hit.Key).Msg("store update failed")
			gen, _ := responsegen.Generate(req, hit, e.Clock.Now(), e.Config.Validity)
			attrs.Status = StatusValidated
			return gen, nil
		}
		atomic.AddUint64(&e.updates, 1)
		attrs.Status = StatusValidated
		return responsegen.Generate(req, updated, e.Clock.Now(), e.Config.Validity)
	}

	out, err := e.handleBackendResponse(req, host, res, t0, t1, attrs)
	if attrs.Status == "" {
		attrs.Status = StatusMiss
	}
	return out, err
}

// revalidateWithFallback wraps revalidateSync with the stale-if-error
// rule: an IO error or a retryable 5xx falls back to the stale entry when
// the stale-if-error window (request, response, or default) allows it.
func (e *Engine) revalidateWithFallback(req *http.Request, scope *Scope, hit *store.Entry, resCC cachecontrol.Response, reqCC cachecontrol.Request, host string, attrs *Attrs, now time.Time) (*http.Response, Attrs, error) {
	res, err := e.revalidateSync(req, scope, hit, resCC, host, attrs)
	if err != nil {
		if suitability.IsSuitableIfError(now, hit, resCC, reqCC, e.Config.suitability()) {
			attrs.Status = StatusModuleResponse
			attrs.FwdReason = "error"
			gen, _ := responsegen.Generate(req, hit, e.Clock.Now(), e.Config.Validity)
			return gen, *attrs, nil
		}
		attrs.Status = StatusModuleResponse
		attrs.FwdReason = "error"
		attrs.Synthetic = true
		return gatewayTimeout(req), *attrs, nil
	}
	if isRetryable5xx(res.StatusCode) && suitability.IsSuitableIfError(now, hit, resCC, reqCC, e.Config.suitability()) {
		drainAndClose(res)
		attrs.Status = StatusModuleResponse
		attrs.FwdReason = "error"
		gen, _ := responsegen.Generate(req, hit, e.Clock.Now(), e.Config.Validity)
		return gen, *attrs, nil
	}
	return res, *attrs, nil
}

// handleBackendResponse post-processes a fresh backend response (§4.K.4):
// invalidation, the oversized-body short-circuit, the response-policy
// storability check, and the write-back itself.
func (e *Engine) handleBackendResponse(req *http.Request, host string, res *http.Response, reqDate, respDate time.Time, attrs *Attrs) (*http.Response, error) {
	if err := e.Store.EvictInvalidatedEntries(host, req, res); err != nil {
		e.Logger.Warn().Err(err).Msg("invalidation failed")
	}

	if e.Updater != nil {
		for _, update := range cacheupdate.Updates(req, res) {
			update := update
			e.Updater.Dispatch(update, func(path string) error {
				return e.refreshPath(host, req, path)
			})
		}
	}

	if res.StatusCode == http.StatusNotModified {
		return e.handleStray304(req, host, res, reqDate, respDate, attrs)
	}

	if res.ContentLength >= 0 && res.ContentLength > e.Config.MaxObjectSize {
		return res, nil
	}

	if e.Rules != nil {
		e.Rules.Apply(res)
	}
	resCC := cachecontrol.ParseResponse(res.Header)
	if !policy.ResponseStorable(req, res, resCC, e.Config.policy()) {
		return res, nil
	}

	body, rest, oversized, err := drainBounded(res.Body, e.Config.MaxObjectSize)
	if err != nil {
		res.Body = rest
		return res, nil
	}
	if oversized {
		res.Body = newCompositeBody(body, rest)
		return res, nil
	}

	if e.Config.FreshnessCheckEnabled {
		if current, cerr := e.Store.Match(host, req); cerr == nil && current.Hit != nil && isNewer(current.Hit, res) {
			res.Body = io.NopCloser(bytes.NewReader(body))
			return res, nil
		}
	}

	if _, serr := e.Store.Store(host, req, res, body, reqDate, respDate); serr != nil {
		e.Logger.Error().Err(serr).Msg("store write failed")
	} else {
		attrs.Stored = true
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res, nil
}

// handleStray304 handles a 304 that reaches handleBackendResponse without
// having gone through a revalidation call that already consumed it (i.e.
// the client sent its own conditional headers and the cache had no entry
// to validate against). Re-lookup; if an entry turned up, merge and
// synthesize a 304 from it; if the re-lookup still misses, store the bare
// 304 itself as a negative entry (bypassing the normal response-storability
// gate, which would otherwise reject a 304 for lacking explicit or
// heuristic freshness) so a later conditional request for the same
// resource can validate against it instead of forwarding blind.
func (e *Engine) handleStray304(req *http.Request, host string, res *http.Response, reqDate, respDate time.Time, attrs *Attrs) (*http.Response, error) {
	match, _ := e.Store.Match(host, req)
	if match.Hit == nil {
		body, rest, oversized, err := drainBounded(res.Body, e.Config.MaxObjectSize)
		if err != nil {
			res.Body = rest
			return res, nil
		}
		if oversized {
			res.Body = newCompositeBody(body, rest)
			return res, nil
		}
		if _, serr := e.Store.Store(host, req, res, body, reqDate, respDate); serr != nil {
			e.Logger.Error().Err(serr).Msg("store write failed")
		} else {
			attrs.Stored = true
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
		return res, nil
	}
	synthesizedLM := false
	if ims := req.Header.Get("If-Modified-Since"); ims != "" && res.Header.Get("Last-Modified") == "" {
		// Synthesized for future conditional requests only; never
		// returned to this client.
		res.Header.Set("Last-Modified", ims)
		synthesizedLM = true
	}
	updated, err := e.Store.Update(match.Hit, host, req, res, reqDate, respDate)
	drainAndClose(res)
	if synthesizedLM {
		res.Header.Del("Last-Modified")
	}
	if err != nil {
		e.Logger.Error().Err(err).Msg("store update failed")
		return res, nil
	}
	atomic.AddUint64(&e.updates, 1)
	attrs.Status = StatusValidated
	out := responsegen.Generate304(req, updated)
	if synthesizedLM {
		out.Header.Del("Last-Modified")
	}
	return out, nil
}

// negotiateVariants runs the §4.K.3 variant negotiation protocol.
func (e *Engine) negotiateVariants(req *http.Request, scope *Scope, variants []*store.Entry, host string, attrs *Attrs) (*http.Response, Attrs, error) {
	etagMap := make(map[string]*store.Entry, len(variants))
	etags := make([]string, 0, len(variants))
	for _, v := range variants {
		if et := v.Header.Get("ETag"); et != "" {
			etagMap[et] = v
			etags = append(etags, et)
		}
	}
	if len(etags) == 0 {
		return e.callBackend(req, scope, attrs)
	}

	condReq := conditional.BuildConditionalRequestFromVariants(req, etags)
	t0 := e.Clock.Now()
	res, err := e.Chain.Proceed(condReq, scope)
	t1 := e.Clock.Now()
	if err != nil {
		attrs.Status = StatusFailure
		return nil, *attrs, err
	}

	if res.StatusCode != http.StatusNotModified {
		out, herr := e.handleBackendResponse(req, host, res, t0, t1, attrs)
		if attrs.Status == "" {
			attrs.Status = StatusMiss
		}
		return out, *attrs, herr
	}

	etag := res.Header.Get("ETag")
	if etag == "" {
		e.Logger.Warn().Msg("304 without ETag during variant negotiation")
		drainAndClose(res)
		return e.callBackend(conditional.BuildUnconditionalRequest(req), scope, attrs)
	}
	matched, ok := etagMap[etag]
	if !ok {
		drainAndClose(res)
		return e.callBackend(conditional.BuildUnconditionalRequest(req), scope, attrs)
	}
	if isNewer(matched, res) {
		drainAndClose(res)
		return e.callBackend(conditional.BuildUnconditionalRequest(req), scope, attrs)
	}

	updated, uerr := e.Store.StoreFromNegotiated(matched, host, req, res, t0, t1)
	drainAndClose(res)
	if uerr != nil {
		e.Logger.Error().Err(uerr).Msg("store negotiated update failed")
		gen, _ := responsegen.Generate(req, matched, e.Clock.Now(), e.Config.Validity)
		attrs.Status = StatusValidated
		return gen, *attrs, nil
	}
	atomic.AddUint64(&e.updates, 1)
	attrs.Status = StatusValidated

	if suitability.IsConditional(req) && suitability.AllConditionalsMatch(req, updated) {
		return responsegen.Generate304(req, updated), *attrs, nil
	}
	gen, _ := responsegen.Generate(req, updated, e.Clock.Now(), e.Config.Validity)
	return gen, *attrs, nil
}

// scheduleAsyncRevalidation kicks off the §4.J background path: a
// conditional request built now (so it captures the entry's current
// validators) runs later, off a forked scope, never touching the
// foreground caller's context.
func (e *Engine) scheduleAsyncRevalidation(req *http.Request, scope *Scope, hit *store.Entry, host string) {
	resCC := cachecontrol.ParseResponse(hit.Header)
	condReq := conditional.BuildConditionalRequest(resCC, req, hit)
	bgScope := scope.Fork()

	e.Async.Revalidate(hit.Key, func() error {
		t0 := e.Clock.Now()
		res, err := e.Chain.Proceed(condReq, bgScope)
		t1 := e.Clock.Now()
		if err != nil {
			return err
		}
		if res.StatusCode == http.StatusNotModified {
			drainAndClose(res)
			if isNewer(hit, res) {
				return nil
			}
			if _, err := e.Store.Update(hit, host, req, res, t0, t1); err != nil {
				return err
			}
			atomic.AddUint64(&e.updates, 1)
			return nil
		}
		bgAttrs := &Attrs{}
		_, err = e.handleBackendResponse(req, host, res, t0, t1, bgAttrs)
		return err
	})
}

// callBackend is the plain "go to origin" path (§4.K.1's fallthrough and
// every Mismatch-style branch in §4.K.2).
func (e *Engine) callBackend(req *http.Request, scope *Scope, attrs *Attrs) (*http.Response, Attrs, error) {
	reqDate := e.Clock.Now()
	res, err := e.Chain.Proceed(req, scope)
	respDate := e.Clock.Now()
	if err != nil {
		attrs.Status = StatusFailure
		return nil, *attrs, err
	}
	host := targetHost(req)
	out, herr := e.handleBackendResponse(req, host, res, reqDate, respDate, attrs)
	if attrs.Status == "" {
		attrs.Status = StatusMiss
	}
	return out, *attrs, herr
}

// refreshPath fetches path on the same host as original and, on success,
// runs it through the normal backend-response handling so a proactive
// Cache-Update entry ends up stored exactly like any other fresh fetch.
func (e *Engine) refreshPath(host string, original *http.Request, path string) error {
	target := *original.URL
	target.Path = path
	target.RawQuery = ""
	req, err := http.NewRequest(http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Host = original.Host

	reqDate := e.Clock.Now()
	res, err := e.Chain.Proceed(req, &Scope{Original: req, Bag: map[string]any{}})
	respDate := e.Clock.Now()
	if err != nil {
		return err
	}
	attrs := &Attrs{}
	_, err = e.handleBackendResponse(req, host, res, reqDate, respDate, attrs)
	return err
}

// isNewer reports whether entry's stored Date is strictly later than
// res's Date — the backend result came from a less-up-to-date replica.
// Missing dates compare as "not newer" (§4.K.6).
func isNewer(entry *store.Entry, res *http.Response) bool {
	entryDate, eerr := http.ParseTime(entry.Header.Get("Date"))
	if eerr != nil {
		return false
	}
	resDate, rerr := http.ParseTime(res.Header.Get("Date"))
	if rerr != nil {
		return false
	}
	return entryDate.After(resDate)
}

func isStored304(entry *store.Entry) bool {
	return entry.Status == http.StatusNotModified
}

func isRetryable5xx(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func validityFreshness(entry *store.Entry, cfg Config) time.Duration {
	resCC := cachecontrol.ParseResponse(entry.Header)
	return validity.FreshnessLifetime(resCC, entry.Header, entry.ResponseDate, cfg.Validity)
}

func validityAge(entry *store.Entry, now time.Time) time.Duration {
	ageValue := validity.AgeHeaderValue(entry.Header)
	return validity.Age(ageValue, entry.RequestDate, entry.ResponseDate, now)
}

func targetHost(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

func gatewayTimeout(req *http.Request) *http.Response {
	return &http.Response{
		Status:     "504 Gateway Timeout",
		StatusCode: http.StatusGatewayTimeout,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       http.NoBody,
		Request:    req,
	}
}

func notImplemented(req *http.Request) *http.Response {
	return &http.Response{
		Status:     "501 Not Implemented",
		StatusCode: http.StatusNotImplemented,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       http.NoBody,
		Request:    req,
	}
}
