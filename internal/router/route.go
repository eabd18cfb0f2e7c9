// Package router holds the hot-swappable compiled route table: host
// pattern matching, upstream candidate ordering, and capture
// substitution into upstream and masquerade templates.
package router

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// Strategy selects how a route's matched upstream candidates are
// ordered before the dataplane dials them in order.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round-robin"
)

// RouteConfig is the validated, pre-compile shape of one configured
// route.
type RouteConfig struct {
	Hosts        []string
	Upstreams    []string
	Middlewares  []string
	Strategy     Strategy
	CachePingTTL time.Duration
}

// matcher tests a lowercased host against one compiled pattern,
// returning any captured groups on a match.
type matcher interface {
	match(host string) (ok bool, captures []string)
}

type literalMatcher struct {
	pattern string
}

func (m literalMatcher) match(host string) (bool, []string) {
	return host == m.pattern, nil
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) match(host string) (bool, []string) {
	sub := m.re.FindStringSubmatch(host)
	if sub == nil {
		return false, nil
	}
	return true, sub[1:]
}

// compilePattern turns one configured host pattern into a matcher.
// Literals (no '*' or '?') match exactly; wildcard patterns compile to
// an anchored regex with '*' -> "(.*?)", '?' -> "(.)", everything else
// escaped.
func compilePattern(pattern string) (matcher, error) {
	pattern = strings.ToLower(pattern)
	if !strings.ContainsAny(pattern, "*?") {
		return literalMatcher{pattern: pattern}, nil
	}
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString("(.*?)")
		case '?':
			sb.WriteString("(.)")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("router: compiling pattern %q: %w", pattern, err)
	}
	return regexMatcher{re: re}, nil
}

// CompiledRoute is immutable once built except for its round-robin
// counter, which is the only mutable state a resolution touches.
type CompiledRoute struct {
	patterns          []matcher
	upstreamTemplates []string
	middlewares       []string
	strategy          Strategy
	cachePingTTL      time.Duration

	rrCounter atomic.Uint64
}

// Middlewares returns the route's parse/rewrite chain, in order.
func (cr *CompiledRoute) Middlewares() []string { return cr.middlewares }

// CachePingTTL returns the route's configured Minecraft status cache
// TTL, zero when caching is disabled for this route.
func (cr *CompiledRoute) CachePingTTL() time.Duration { return cr.cachePingTTL }

func compileRoute(cfg RouteConfig) (*CompiledRoute, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("router: route has no host patterns")
	}
	if len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("router: route has no upstream candidates")
	}
	if len(cfg.Middlewares) == 0 {
		return nil, fmt.Errorf("router: route has no middleware chain")
	}

	patterns := make([]matcher, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		m, err := compilePattern(h)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, m)
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategySequential
	}

	return &CompiledRoute{
		patterns:          patterns,
		upstreamTemplates: append([]string(nil), cfg.Upstreams...),
		middlewares:       append([]string(nil), cfg.Middlewares...),
		strategy:          strategy,
		cachePingTTL:      cfg.CachePingTTL,
	}, nil
}

// SubstituteCaptures replaces "$1".."$n" in template with captures,
// highest index first so "$10" is never shadowed by a "$1"
// replacement. Exported so the TCP dataplane can apply the identical
// substitution rule to a registered service's masquerade_host
// template.
func SubstituteCaptures(template string, captures []string) string {
	return substitute(template, captures)
}

func substitute(template string, captures []string) string {
	for i := len(captures); i >= 1; i-- {
		template = strings.ReplaceAll(template, fmt.Sprintf("$%d", i), captures[i-1])
	}
	return template
}

// rotate returns a copy of s starting at offset, wrapping around.
func rotate(s []string, offset int) []string {
	n := len(s)
	if n == 0 {
		return s
	}
	offset = ((offset % n) + n) % n
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = s[(offset+i)%n]
	}
	return out
}

// orderedUpstreams substitutes captures into every upstream template,
// then applies the route's selection strategy to the resulting list.
func (cr *CompiledRoute) orderedUpstreams(captures []string, randIntn func(int) int) []string {
	subbed := make([]string, len(cr.upstreamTemplates))
	for i, tmpl := range cr.upstreamTemplates {
		subbed[i] = substitute(tmpl, captures)
	}

	switch cr.strategy {
	case StrategyRandom:
		return rotate(subbed, randIntn(len(subbed)))
	case StrategyRoundRobin:
		off := int(cr.rrCounter.Add(1)-1) % len(subbed)
		return rotate(subbed, off)
	default:
		return subbed
	}
}
