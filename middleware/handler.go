// Package middleware wires the decision engine into the two places an
// HTTP cache needs to sit: as a reverse-proxy http.Handler in front of an
// origin, or as an http.RoundTripper wrapped around an outbound client.
package middleware

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/engine"
	"github.com/cachefront/cachefront/observability"
)

// exchangeIDKey is the Scope.Bag key for the opaque per-request
// correlator (the glossary's "exchange id"), generated fresh for every
// incoming request.
const exchangeIDKey = "exchange_id"

// Handler is the reverse-proxy front-end (§4.P): it terminates client
// connections, forwards cache misses/revalidations to OriginURL, and
// proxies around the decision engine entirely on an internal panic so a
// bug in the cache never takes the origin down with it.
type Handler struct {
	Engine     *engine.Engine
	OriginURL  url.URL
	OriginHost string
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	httpClient http.Client
}

// NewHandler builds a Handler and wires its engine's Chain to an
// http.Client with redirect-following disabled, matching the teacher's
// "do not follow redirects, a cache must see what the origin actually
// sent" rule.
func NewHandler(eng *engine.Engine, originURL url.URL, originHost string, logger zerolog.Logger) *Handler {
	h := &Handler{Engine: eng, OriginURL: originURL, OriginHost: originHost, Logger: logger}
	h.httpClient = http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if originHost != "" {
		h.httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{ServerName: originHost}}
	}
	eng.Chain = engine.ChainFunc(func(req *http.Request, _ *engine.Scope) (*http.Response, error) {
		return h.httpClient.Do(req)
	})
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer h.recoverEscapeHatch(w, r)
	h.handle(w, r)
}

func (h *Handler) recoverEscapeHatch(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		h.Logger.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("panic in cache handler, proxying directly")
		h.proxyDirect(w, r)
	}
}

// proxyDirect bypasses the decision engine entirely, forwarding straight
// to the origin. Used both as the panic escape hatch and reachable
// nowhere else — a cache bug must never be allowed to also break the
// uncached path.
func (h *Handler) proxyDirect(w http.ResponseWriter, r *http.Request) {
	req := h.originRequest(r)
	res, err := h.httpClient.Do(req)
	if err != nil {
		h.Logger.Error().Err(err).Msg("error connecting to origin")
		http.Error(w, "could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		h.Logger.Error().Err(err).Msg("error writing to client")
	}
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	exchangeID := uuid.New().String()
	h.Logger.Trace().Str("method", r.Method).Str("path", r.URL.Path).Str("exchange_id", exchangeID).Msg("incoming request")

	ctx, span := observability.StartExecuteSpan(r.Context(), r.URL.Path)
	defer span.End()

	req := h.originRequest(r).WithContext(ctx)
	scope := &engine.Scope{Route: r.URL.Path, Original: req, Bag: map[string]any{exchangeIDKey: exchangeID}}
	res, attrs, err := h.Engine.Execute(req, scope)
	if err != nil {
		h.Logger.Warn().Err(err).Str("exchange_id", exchangeID).Msg("error fetching response from origin")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	observability.AnnotateSpan(span, attrs)
	observability.LogExchange(h.Logger.With().Str("exchange_id", exchangeID).Logger(), attrs)
	if h.Metrics != nil {
		h.Metrics.Observe(attrs)
	}

	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", observability.CacheStatus(attrs, ""))
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		h.Logger.Error().Err(err).Msg("error writing to client")
	}
}

// originRequest rewrites r onto OriginURL, preserving method, path, query,
// body, and headers; Host is overridden only when OriginHost is set.
func (h *Handler) originRequest(r *http.Request) *http.Request {
	u := h.OriginURL
	u.Path = r.URL.Path
	u.RawQuery = r.URL.RawQuery

	req, err := http.NewRequest(r.Method, u.String(), r.Body)
	if err != nil {
		req, _ = http.NewRequest(r.Method, u.String(), nil)
	}
	req.Header = r.Header.Clone()
	req.GetBody = r.GetBody
	if h.OriginHost != "" {
		req.Host = h.OriginHost
	}
	return req
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}

// RoundTripper wraps the decision engine as a client-side http.RoundTripper,
// for embedding the cache inside an outbound http.Client instead of a
// reverse proxy.
type RoundTripper struct {
	Engine *engine.Engine
	Next   http.RoundTripper
}

// NewRoundTripper wires eng's Chain to next (defaulting to
// http.DefaultTransport) and returns the wrapper.
func NewRoundTripper(eng *engine.Engine, next http.RoundTripper) *RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	rt := &RoundTripper{Engine: eng, Next: next}
	eng.Chain = engine.ChainFunc(func(req *http.Request, _ *engine.Scope) (*http.Response, error) {
		return rt.Next.RoundTrip(req)
	})
	return rt
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	scope := &engine.Scope{Route: req.URL.Path, Original: req, Bag: map[string]any{exchangeIDKey: uuid.New().String()}}
	res, _, err := rt.Engine.Execute(req, scope)
	return res, err
}
