package engine_test

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cachefront/cachefront/engine"
	"github.com/cachefront/cachefront/store"
	"github.com/cachefront/cachefront/store/memory"
)

// mutableClock lets a test advance time between an initial fetch and a
// later revalidation without racing the real clock.
type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMutableClock(start time.Time) *mutableClock { return &mutableClock{now: start} }

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedChain returns queued responses in order, recording every request
// it was asked to proceed.
type scriptedChain struct {
	mu        sync.Mutex
	responses []*http.Response
	requests  []*http.Request
}

func (c *scriptedChain) Proceed(req *http.Request, _ *engine.Scope) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	res := c.responses[0]
	c.responses = c.responses[1:]
	return res, nil
}

func (c *scriptedChain) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func newFacade() *store.Facade { return store.NewFacade(memory.New()) }

func newReq(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func dateHeader(t time.Time) string { return t.UTC().Format(http.TimeFormat) }

func newConfig() engine.Config {
	cfg := engine.DefaultConfig()
	return cfg
}

func TestExecuteFirstFetchStoresResponse(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=60"},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}

	e := engine.New(st, chain, clk, newConfig())
	req := newReq(t, http.MethodGet, "http://example.com/a")

	res, attrs, err := e.Execute(req, &engine.Scope{Original: req})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attrs.Status != engine.StatusMiss {
		t.Fatalf("status = %s, want cache_miss", attrs.Status)
	}
	if !attrs.Stored {
		t.Fatalf("expected response to be stored")
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	if chain.calls() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", chain.calls())
	}
}

func TestExecuteFreshHitServesWithoutBackendCall(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=60"},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}
	e := engine.New(st, chain, clk, newConfig())
	req := newReq(t, http.MethodGet, "http://example.com/a")

	if _, _, err := e.Execute(req, &engine.Scope{Original: req}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	clk.Advance(10 * time.Second)
	req2 := newReq(t, http.MethodGet, "http://example.com/a")
	res, attrs, err := e.Execute(req2, &engine.Scope{Original: req2})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if attrs.Status != engine.StatusHit {
		t.Fatalf("status = %s, want cache_hit", attrs.Status)
	}
	if chain.calls() != 1 {
		t.Fatalf("expected no additional backend calls, got %d total", chain.calls())
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
}

func TestExecuteStaleRevalidation304KeepsStoredBody(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=10"},
				"Etag":          []string{`"v1"`},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}
	e := engine.New(st, chain, clk, newConfig())
	req := newReq(t, http.MethodGet, "http://example.com/a")
	if _, _, err := e.Execute(req, &engine.Scope{Original: req}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	clk.Advance(time.Minute)
	chain.mu.Lock()
	chain.responses = append(chain.responses, &http.Response{
		StatusCode: 304,
		Header: http.Header{
			"Etag": []string{`"v1"`},
			"Date": []string{dateHeader(clk.Now())},
		},
		Body: http.NoBody,
	})
	chain.mu.Unlock()

	req2 := newReq(t, http.MethodGet, "http://example.com/a")
	res, attrs, err := e.Execute(req2, &engine.Scope{Original: req2})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if attrs.Status != engine.StatusValidated {
		t.Fatalf("status = %s, want validated", attrs.Status)
	}
	if chain.calls() != 2 {
		t.Fatalf("expected exactly two backend calls, got %d", chain.calls())
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q, want preserved stored body", body)
	}
	if res.Header.Get("If-None-Match") != "" {
		t.Fatalf("client response must not carry If-None-Match")
	}

	revalReq := chain.requests[1]
	if revalReq.Header.Get("If-None-Match") != `"v1"` {
		t.Fatalf("revalidation request missing If-None-Match, got %q", revalReq.Header.Get("If-None-Match"))
	}
}

func TestExecuteStaleRevalidation200ReplacesBody(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=10"},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}
	e := engine.New(st, chain, clk, newConfig())
	req := newReq(t, http.MethodGet, "http://example.com/a")
	if _, _, err := e.Execute(req, &engine.Scope{Original: req}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	clk.Advance(time.Minute)
	chain.mu.Lock()
	chain.responses = append(chain.responses, &http.Response{
		StatusCode: 200,
		Header: http.Header{
			"Cache-Control": []string{"max-age=10"},
			"Date":          []string{dateHeader(clk.Now())},
		},
		Body: io.NopCloser(strings.NewReader("goodbye")),
	})
	chain.mu.Unlock()

	req2 := newReq(t, http.MethodGet, "http://example.com/a")
	res, _, err := e.Execute(req2, &engine.Scope{Original: req2})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "goodbye" {
		t.Fatalf("body = %q, want replaced body", body)
	}

	req3 := newReq(t, http.MethodGet, "http://example.com/a")
	match, err := st.Match("example.com", req3)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match.Hit == nil || string(match.Hit.Body) != "goodbye" {
		t.Fatalf("stored entry not replaced: %+v", match.Hit)
	}
}

func TestExecuteOnlyIfCachedMissReturnsGatewayTimeout(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)
	chain := &scriptedChain{}
	e := engine.New(st, chain, clk, newConfig())

	req := newReq(t, http.MethodGet, "http://example.com/never-fetched")
	req.Header.Set("Cache-Control", "only-if-cached")

	res, attrs, err := e.Execute(req, &engine.Scope{Original: req})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status code = %d, want 504", res.StatusCode)
	}
	if attrs.Status != engine.StatusModuleResponse {
		t.Fatalf("status = %s, want cache_module_response", attrs.Status)
	}
	if chain.calls() != 0 {
		t.Fatalf("only-if-cached must never reach the backend, got %d calls", chain.calls())
	}
}

func TestExecuteMustRevalidateForcesSync(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=60, must-revalidate"},
				"Etag":          []string{`"v1"`},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}
	e := engine.New(st, chain, clk, newConfig())
	req := newReq(t, http.MethodGet, "http://example.com/a")
	if _, _, err := e.Execute(req, &engine.Scope{Original: req}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// Past max-age=60: the client accepts stale responses (max-stale), but
	// must-revalidate forbids serving the stale entry without a conditional
	// round trip.
	clk.Advance(2 * time.Minute)
	chain.mu.Lock()
	chain.responses = append(chain.responses, &http.Response{
		StatusCode: 304,
		Header:     http.Header{"Etag": []string{`"v1"`}, "Date": []string{dateHeader(clk.Now())}},
		Body:       http.NoBody,
	})
	chain.mu.Unlock()

	req2 := newReq(t, http.MethodGet, "http://example.com/a")
	req2.Header.Set("Cache-Control", "max-stale")
	if _, attrs, err := e.Execute(req2, &engine.Scope{Original: req2}); err != nil {
		t.Fatalf("second Execute: %v", err)
	} else if attrs.Status != engine.StatusValidated {
		t.Fatalf("status = %s, want validated", attrs.Status)
	}
	if chain.calls() != 2 {
		t.Fatalf("must-revalidate should force a backend call even when the client accepts stale, got %d calls", chain.calls())
	}
}

type recordingAsync struct {
	mu     sync.Mutex
	thunks map[string]func() error
}

func newRecordingAsync() *recordingAsync {
	return &recordingAsync{thunks: map[string]func() error{}}
}

func (r *recordingAsync) Revalidate(key string, thunk func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thunks[key] = thunk
}

func (r *recordingAsync) run(t *testing.T, key string) {
	t.Helper()
	r.mu.Lock()
	thunk := r.thunks[key]
	r.mu.Unlock()
	if thunk == nil {
		t.Fatalf("no background revalidation scheduled for key %q", key)
	}
	if err := thunk(); err != nil {
		t.Fatalf("background revalidation: %v", err)
	}
}

func TestExecuteStaleWhileRevalidateServesStaleAndRefreshesInBackground(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=10, stale-while-revalidate=300"},
				"Etag":          []string{`"v1"`},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}
	cfg := newConfig()
	cfg.StaleWhileRevalidateEnabled = true
	async := newRecordingAsync()
	e := engine.New(st, chain, clk, cfg)
	e.Async = async

	req := newReq(t, http.MethodGet, "http://example.com/a")
	if _, _, err := e.Execute(req, &engine.Scope{Original: req}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	clk.Advance(30 * time.Second) // stale, but within the stale-while-revalidate window
	req2 := newReq(t, http.MethodGet, "http://example.com/a")
	res, attrs, err := e.Execute(req2, &engine.Scope{Original: req2})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if attrs.Status != engine.StatusModuleResponse || attrs.FwdReason != "stale" {
		t.Fatalf("attrs = %+v, want stale module response", attrs)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Fatalf("expected stale body served immediately, got %q", body)
	}
	if chain.calls() != 1 {
		t.Fatalf("stale-while-revalidate must not call the backend synchronously, got %d calls", chain.calls())
	}

	chain.mu.Lock()
	chain.responses = append(chain.responses, &http.Response{
		StatusCode: 200,
		Header: http.Header{
			"Cache-Control": []string{"max-age=10, stale-while-revalidate=300"},
			"Etag":          []string{`"v2"`},
			"Date":          []string{dateHeader(clk.Now())},
		},
		Body: io.NopCloser(strings.NewReader("fresher")),
	})
	chain.mu.Unlock()

	match, _ := st.Match("example.com", req)
	async.run(t, match.Hit.Key)

	if chain.calls() != 2 {
		t.Fatalf("expected background revalidation to call the backend, got %d calls", chain.calls())
	}
	refreshed, _ := st.Match("example.com", req)
	if refreshed.Hit == nil || string(refreshed.Hit.Body) != "fresher" {
		t.Fatalf("background revalidation did not update the stored entry: %+v", refreshed.Hit)
	}
}

// TestExecuteStray304WithoutPriorEntryStoresNegativeEntry: a 304 reaching
// handleBackendResponse with no prior entry to merge into (the client sent
// its own conditional headers for a resource the cache never stored) is
// kept as a negative entry rather than discarded, so a later
// conditional request can validate against it.
func TestExecuteStray304WithoutPriorEntryStoresNegativeEntry(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 304,
			Header: http.Header{
				"Etag": []string{`"v1"`},
				"Date": []string{dateHeader(start)},
			},
			Body: http.NoBody,
		},
	}}
	e := engine.New(st, chain, clk, newConfig())

	req := newReq(t, http.MethodGet, "http://example.com/neg")
	req.Header.Set("If-None-Match", `"client-etag"`)

	res, attrs, err := e.Execute(req, &engine.Scope{Original: req})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("status code = %d, want 304 passed through to the client", res.StatusCode)
	}
	if !attrs.Stored {
		t.Fatalf("expected the stray 304 to be stored as a negative entry")
	}

	lookup := newReq(t, http.MethodGet, "http://example.com/neg")
	match, err := st.Match("example.com", lookup)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match.Hit == nil || match.Hit.Status != http.StatusNotModified {
		t.Fatalf("expected a stored 304 entry, got %+v", match.Hit)
	}
}

// TestExecuteStored304WithoutConditionalRequestForwardsToOrigin exercises
// the isStored304 gate in cacheHit: a stored negative (304) entry is never
// served to a plain, non-conditional request — it must be forwarded.
func TestExecuteStored304WithoutConditionalRequestForwardsToOrigin(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 304,
			Header: http.Header{
				"Etag": []string{`"v1"`},
				"Date": []string{dateHeader(start)},
			},
			Body: http.NoBody,
		},
	}}
	e := engine.New(st, chain, clk, newConfig())

	seed := newReq(t, http.MethodGet, "http://example.com/neg2")
	seed.Header.Set("If-None-Match", `"client-etag"`)
	if _, attrs, err := e.Execute(seed, &engine.Scope{Original: seed}); err != nil {
		t.Fatalf("seeding Execute: %v", err)
	} else if !attrs.Stored {
		t.Fatalf("expected negative entry to be stored by the seeding request")
	}

	chain.mu.Lock()
	chain.responses = append(chain.responses, &http.Response{
		StatusCode: 200,
		Header: http.Header{
			"Cache-Control": []string{"max-age=60"},
			"Date":          []string{dateHeader(clk.Now())},
		},
		Body: io.NopCloser(strings.NewReader("real body")),
	})
	chain.mu.Unlock()

	plain := newReq(t, http.MethodGet, "http://example.com/neg2")
	res, attrs, err := e.Execute(plain, &engine.Scope{Original: plain})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if chain.calls() != 2 {
		t.Fatalf("expected the stored 304 to force a forward to origin, got %d calls", chain.calls())
	}
	if attrs.FwdReason != "request" {
		t.Fatalf("fwd reason = %q, want %q", attrs.FwdReason, "request")
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "real body" {
		t.Fatalf("body = %q, want the forwarded origin response", body)
	}
}

// TestExecuteStaleIfErrorServesStoredEntryOnBackendFailure: when
// revalidation fails (transport error) and the stale entry is still within
// its stale-if-error window, the stored response is served instead of
// surfacing the failure.
func TestExecuteStaleIfErrorServesStoredEntryOnBackendFailure(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=10, stale-if-error=300"},
				"Etag":          []string{`"v1"`},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}
	e := engine.New(st, chain, clk, newConfig())

	req := newReq(t, http.MethodGet, "http://example.com/a")
	if _, _, err := e.Execute(req, &engine.Scope{Original: req}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	clk.Advance(30 * time.Second) // stale, and the backend has nothing queued: Proceed fails
	req2 := newReq(t, http.MethodGet, "http://example.com/a")
	res, attrs, err := e.Execute(req2, &engine.Scope{Original: req2})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if attrs.Status != engine.StatusModuleResponse || attrs.FwdReason != "error" {
		t.Fatalf("attrs = %+v, want a stale-if-error module response", attrs)
	}
	if attrs.Synthetic {
		t.Fatalf("stale-if-error serves stored content, it is not a synthetic response")
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q, want the stale stored body", body)
	}
}

// TestExecuteOversizedBodyIsNotStoredButIsServedInFull: a response whose
// body exceeds MaxObjectSize is still delivered byte-exact to the client,
// but is never written to the store.
func TestExecuteOversizedBodyIsNotStoredButIsServedInFull(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=60"},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("hello")),
		},
	}}
	cfg := newConfig()
	cfg.MaxObjectSize = 3 // "hello" is 5 bytes
	e := engine.New(st, chain, clk, cfg)

	req := newReq(t, http.MethodGet, "http://example.com/big")
	res, attrs, err := e.Execute(req, &engine.Scope{Original: req})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attrs.Stored {
		t.Fatalf("an oversized response must not be stored")
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q, want the full response delivered to the client regardless of the size cap", body)
	}

	lookup := newReq(t, http.MethodGet, "http://example.com/big")
	match, err := st.Match("example.com", lookup)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match.Hit != nil {
		t.Fatalf("expected no stored entry for an oversized response, got %+v", match.Hit)
	}
}

// TestExecuteVariantNegotiationReusesMatchingRepresentation: a request
// that misses the Vary-selected variant map is negotiated against the
// other stored variants' ETags before falling back to an unconditional
// fetch, and a 304 match updates and reuses the existing representation
// instead of re-fetching its body.
func TestExecuteVariantNegotiationReusesMatchingRepresentation(t *testing.T) {
	st := newFacade()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := newMutableClock(start)

	chain := &scriptedChain{responses: []*http.Response{
		{
			StatusCode: 200,
			Header: http.Header{
				"Cache-Control": []string{"max-age=60"},
				"Vary":          []string{"Accept-Language"},
				"Etag":          []string{`"v-en"`},
				"Date":          []string{dateHeader(start)},
			},
			Body: io.NopCloser(strings.NewReader("english")),
		},
	}}
	e := engine.New(st, chain, clk, newConfig())

	first := newReq(t, http.MethodGet, "http://example.com/greeting")
	first.Header.Set("Accept-Language", "en")
	if _, _, err := e.Execute(first, &engine.Scope{Original: first}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	clk.Advance(time.Second)
	chain.mu.Lock()
	chain.responses = append(chain.responses, &http.Response{
		StatusCode: 304,
		Header: http.Header{
			"Etag": []string{`"v-en"`},
			"Date": []string{dateHeader(clk.Now())},
		},
		Body: http.NoBody,
	})
	chain.mu.Unlock()

	second := newReq(t, http.MethodGet, "http://example.com/greeting")
	second.Header.Set("Accept-Language", "de")
	res, attrs, err := e.Execute(second, &engine.Scope{Original: second})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if attrs.Status != engine.StatusValidated {
		t.Fatalf("status = %s, want validated", attrs.Status)
	}
	if chain.calls() != 2 {
		t.Fatalf("expected a variant-negotiation round trip, got %d calls", chain.calls())
	}
	negotiationReq := chain.requests[1]
	if negotiationReq.Header.Get("If-None-Match") != `"v-en"` {
		t.Fatalf("negotiation request missing candidate ETag, got %q", negotiationReq.Header.Get("If-None-Match"))
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "english" {
		t.Fatalf("body = %q, want the reused existing representation", body)
	}
}
