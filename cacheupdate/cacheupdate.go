// Package cacheupdate implements the proactive Cache-Update extension
// (§4.O): an unsafe-method response can name additional resources the
// cache should refresh, optionally after a delay, without waiting for a
// client to request them.
package cacheupdate

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cachefront/cachefront/clock"
)

// Update is a single parsed Cache-Update header entry.
type Update struct {
	Path  string
	Delay time.Duration
}

// Updates returns every Cache-Update entry on res, resolved against
// res.Request's URL for relative paths. Responses to safe methods never carry
// meaningful Cache-Update entries and are skipped outright.
func Updates(req *http.Request, res *http.Response) []Update {
	if isSafeMethod(req.Method) {
		return nil
	}
	values := res.Header.Values("Cache-Update")
	if len(values) == 0 {
		return nil
	}
	updates := make([]Update, 0, len(values))
	for _, raw := range values {
		path := strings.Split(raw, ";")[0]
		updates = append(updates, Update{
			Path:  resolve(res.Request, path).Path,
			Delay: delay(raw),
		})
	}
	return updates
}

func resolve(r *http.Request, ref string) *url.URL {
	return r.URL.ResolveReference(&url.URL{Path: ref})
}

var delayPattern = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// delay extracts the `delay=N` directive (seconds) from a Cache-Update
// entry, defaulting to an immediate refresh.
func delay(raw string) time.Duration {
	if m := delayPattern.FindStringSubmatch(raw); m != nil {
		if seconds, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// Dispatcher runs refresh callbacks for scheduled updates on a bounded
// worker pool, honoring each update's delay without blocking the
// response that triggered it.
type Dispatcher struct {
	pool   *errgroup.Group
	clock  clock.Clock
	logger zerolog.Logger
}

// NewDispatcher returns a Dispatcher backed by workers concurrent slots.
func NewDispatcher(workers int, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	pool := &errgroup.Group{}
	pool.SetLimit(workers)
	return &Dispatcher{pool: pool, clock: clk, logger: logger}
}

// Dispatch schedules refresh to run, after update.Delay, on the pool.
//
// Dispatch is called synchronously from the response path that triggered
// the update, so it must never block on a free pool slot itself: the
// errgroup.Go call (which blocks once SetLimit's slots are all taken) runs
// on a dedicated goroutine instead of the caller's.
func (d *Dispatcher) Dispatch(update Update, refresh func(path string) error) {
	go func() {
		d.pool.Go(func() error {
			if update.Delay > 0 {
				time.Sleep(update.Delay)
			}
			if err := refresh(update.Path); err != nil {
				d.logger.Warn().Err(err).Str("path", update.Path).Msg("proactive cache update failed")
			}
			return nil
		})
	}()
}

// Shutdown waits for every dispatched update to finish, or for ctx to be
// done, whichever comes first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- d.pool.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
