package observability

import (
	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/engine"
)

// LogExchange emits the single decisive per-request log line, at Debug,
// the way the teacher's middleware logs the outcome it is about to send
// downstream. Routine internal branching is logged at Trace by the
// engine's own collaborators; this is the one line every request gets.
func LogExchange(logger zerolog.Logger, attrs engine.Attrs) {
	evt := logger.Debug()
	if attrs.Request != nil {
		evt = evt.Str("method", attrs.Request.Method).Str("path", attrs.Request.URL.Path)
	}
	evt.Str("status", string(attrs.Status)).
		Str("key", attrs.Key).
		Str("fwd", attrs.FwdReason).
		Bool("stored", attrs.Stored).
		Bool("collapsed", attrs.Collapsed).
		Bool("synthetic", attrs.Synthetic).
		Dur("ttl", attrs.TTL).
		Msg("sending response to client")
}
