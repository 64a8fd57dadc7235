// Command cachefront runs the cache as a standalone reverse-proxy binary
// (§4.S): it loads a YAML config, builds the store/engine/handler for
// each configured origin, and serves them behind a chi router. The
// health-check and metrics routes are served by a separate listener on
// -metrics-addr.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cachefront/cachefront/cacheupdate"
	"github.com/cachefront/cachefront/clock"
	"github.com/cachefront/cachefront/config"
	"github.com/cachefront/cachefront/engine"
	"github.com/cachefront/cachefront/middleware"
	"github.com/cachefront/cachefront/observability"
	"github.com/cachefront/cachefront/revalidator"
	"github.com/cachefront/cachefront/store"
	"github.com/cachefront/cachefront/store/memory"
	"github.com/cachefront/cachefront/store/redis"
	"github.com/cachefront/cachefront/store/sqlite"
	"github.com/cachefront/cachefront/transformrules"

	goredis "github.com/redis/go-redis/v9"
)

var (
	configFlag  string
	addrFlag    string
	originFlag  string
	hostFlag    string
	verboseFlag bool
	metricsAddr string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "path to YAML config file")
	flag.StringVar(&addrFlag, "addr", ":8080", "address to listen on (used when the config sets no addr)")
	flag.StringVar(&originFlag, "origin", "", "origin URL to proxy to (single-origin mode, used only without -config)")
	flag.StringVar(&hostFlag, "host", "", "Host header to send to the origin")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics and /healthz on")
	flag.BoolVar(&verboseFlag, "vv", false, "verbosity: trace logging")
}

func main() {
	flag.Parse()

	level := zerolog.DebugLevel
	if verboseFlag {
		level = zerolog.TraceLevel
	}
	log.Logger = log.Level(level).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := resolveConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("could not load configuration")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	router := chi.NewRouter()

	for _, origin := range cfg.Origins {
		originURL, err := url.Parse(origin.Origin)
		if err != nil {
			log.Fatal().Err(err).Str("origin", origin.Origin).Msg("could not parse origin URL")
		}

		backend, err := buildBackend(origin)
		if err != nil {
			log.Fatal().Err(err).Msg("could not build store backend")
		}

		facade := store.NewFacade(backend)
		facade.Validity = origin.ValidityConfig()

		logger := log.With().Str("host", origin.Host).Logger()
		eng := engine.New(facade, nil, clock.System{}, origin.EngineConfig())
		eng.Logger = logger
		if len(origin.Rules) > 0 {
			eng.Rules = transformrules.New(origin.Rules, logger)
		}
		if origin.AsynchronousWorkers > 0 {
			eng.Async = revalidator.New(origin.AsynchronousWorkers, revalidator.Immediate{}, logger)
		}
		if !origin.DisableProactiveUpdate {
			eng.Updater = cacheupdate.NewDispatcher(1, clock.System{}, logger)
		}

		handler := middleware.NewHandler(eng, *originURL, origin.Host, logger)
		handler.Metrics = metrics

		pattern := origin.Host
		if pattern == "" {
			router.Mount("/", handler)
		} else {
			router.Handle("/*", withHostMatch(pattern, handler))
		}
	}

	go serveOps(metricsAddr, registry)

	log.Info().Str("addr", cfg.Addr).Msg("cachefront listening")
	if err := http.ListenAndServe(resolveAddr(cfg.Addr), router); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

// resolveConfig loads the YAML config when -config is given, and
// otherwise synthesizes a single-origin Config from the -origin/-host
// flags, matching the teacher's flag-or-config dual entry point.
func resolveConfig() (config.Config, error) {
	if configFlag != "" {
		return config.Load(configFlag)
	}
	if originFlag == "" {
		return config.Config{}, fmt.Errorf("specify -config or -origin")
	}
	return config.Config{
		Addr: addrFlag,
		Origins: []config.Origin{
			{Origin: originFlag, Host: hostFlag, Backend: config.BackendMemory},
		},
	}, nil
}

func resolveAddr(configured string) string {
	if configured != "" {
		return configured
	}
	return addrFlag
}

func buildBackend(origin config.Origin) (store.Backend, error) {
	switch origin.Backend {
	case config.BackendSQLite:
		path := origin.SQLitePath
		if path == "" {
			path = "cachefront.db"
		}
		return sqlite.Open(path)
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{Addr: origin.RedisAddr, DB: origin.RedisDB})
		return redis.New(client, origin.Host), nil
	default:
		return memory.New(), nil
	}
}

// withHostMatch only delegates to next when the request's Host matches
// pattern, passing through untouched (404) otherwise. A full
// virtual-host router is out of scope; this is enough to multiplex a
// handful of configured origins behind one listener.
func withHostMatch(pattern string, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Host != pattern {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func serveOps(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("ops listener exited")
	}
}
