// Package transformrules lets operators rewrite a backend response's
// caching headers by request shape before the storability decision runs
// (§4.N), e.g. forcing a Cache-Control the origin forgot to set.
package transformrules

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Rules is a configuration-loaded ordered list of Rule, matched top to
// bottom against the response's originating request.
type Rules struct {
	rules  []Rule
	logger zerolog.Logger
}

// Rule selects responses by request method/path/query and overrides or
// defaults their Cache-Control, plus sets arbitrary additional headers.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// New returns Rules that log match/apply decisions through logger.
func New(rules []Rule, logger zerolog.Logger) *Rules {
	return &Rules{rules: rules, logger: logger}
}

// Apply rewrites res's headers in place per the first matching rule. Only
// 200 responses are eligible; every other status passes through
// untouched, matching RFC 9111's silence on rewriting error responses.
func (r *Rules) Apply(res *http.Response) {
	if r == nil || res.StatusCode != http.StatusOK {
		return
	}
	rule := r.find(res)
	if rule == nil {
		return
	}
	if rule.Override != "" {
		r.logger.Trace().Str("path", res.Request.URL.Path).Msg("overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		r.logger.Trace().Str("path", res.Request.URL.Path).Msg("applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		res.Header.Set(name, value)
	}
}

func (r *Rules) find(res *http.Response) *Rule {
rulesLoop:
	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Method == "" && res.Request.Method != http.MethodGet {
			continue
		}
		if rule.Method != "" && rule.Method != res.Request.Method {
			continue
		}
		if rule.Path != "" && rule.Path != res.Request.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(res.Request.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := res.Request.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
