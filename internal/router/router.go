package router

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/prismproxy/prism/internal/wasmsandbox"
)

// ResolveStatus is the tri-state outcome of resolving a route from a
// captured prelude.
type ResolveStatus int

const (
	ResolveNoMatch ResolveStatus = iota
	ResolveNeedMoreData
	ResolveMatched
)

func (s ResolveStatus) String() string {
	switch s {
	case ResolveNoMatch:
		return "no-match"
	case ResolveNeedMoreData:
		return "need-more-data"
	case ResolveMatched:
		return "matched"
	default:
		return "unknown"
	}
}

// Resolution is what a successful resolve-from-prelude returns: the
// matched route's chain (for the caller's later rewrite pass), the
// ordered upstream candidates with captures already substituted, and
// any rewrite the parse-phase chain already applied.
type Resolution struct {
	Host            string
	Upstreams       []string
	Captures        []string
	Chain           []string
	PreludeOverride []byte
	Route           *CompiledRoute
}

// CompiledTable is an immutable snapshot of every compiled route, held
// behind the Router's atomic pointer so a reload never blocks readers.
type CompiledTable struct {
	routes []*CompiledRoute
}

// Compile builds a CompiledTable from validated route configuration.
// Returns an error naming the offending route index on the first
// compile failure; the caller should keep serving the previous table
// in that case.
func Compile(routes []RouteConfig) (*CompiledTable, error) {
	compiled := make([]*CompiledRoute, 0, len(routes))
	for i, rc := range routes {
		cr, err := compileRoute(rc)
		if err != nil {
			return nil, fmt.Errorf("router: route %d: %w", i, err)
		}
		compiled = append(compiled, cr)
	}
	return &CompiledTable{routes: compiled}, nil
}

// Router resolves hostnames from captured preludes against a
// hot-swappable compiled route table.
type Router struct {
	sandbox *wasmsandbox.Provider
	table   atomic.Pointer[CompiledTable]
}

// NewRouter creates a Router with an empty table; call Update before
// serving traffic.
func NewRouter(sandbox *wasmsandbox.Provider) *Router {
	r := &Router{sandbox: sandbox}
	r.table.Store(&CompiledTable{})
	return r
}

// Update compiles routes and swaps them in atomically. In-flight
// resolutions keep holding the table snapshot they already loaded.
func (r *Router) Update(routes []RouteConfig) error {
	t, err := Compile(routes)
	if err != nil {
		return err
	}
	r.table.Store(t)
	return nil
}

// Table returns the currently active compiled table.
func (r *Router) Table() *CompiledTable {
	return r.table.Load()
}

// ResolveFromPrelude iterates the active table's routes in declaration
// order, running each route's middleware chain in parse mode against
// buf. The first route whose chain emits a host AND whose patterns
// match that host wins. A chain emitting a host that matches no
// pattern in its own route does not short-circuit the scan — later
// routes still get a chance.
func (r *Router) ResolveFromPrelude(ctx context.Context, buf []byte) (*Resolution, ResolveStatus) {
	table := r.table.Load()
	sawNeedMoreData := false

	for _, route := range table.routes {
		host, rewritten, status := r.sandbox.ParseChain(ctx, route.middlewares, buf, "")
		switch status {
		case wasmsandbox.StatusNeedMoreData:
			sawNeedMoreData = true
			continue
		case wasmsandbox.StatusMatched:
			host = strings.ToLower(host)
			for _, m := range route.patterns {
				ok, captures := m.match(host)
				if !ok {
					continue
				}
				upstreams := route.orderedUpstreams(captures, rand.Intn)
				return &Resolution{
					Host:            host,
					Upstreams:       upstreams,
					Captures:        captures,
					Chain:           route.middlewares,
					PreludeOverride: rewritten,
					Route:           route,
				}, ResolveMatched
			}
		default:
			// no-match or fatal: try the next route
		}
	}

	if sawNeedMoreData {
		return nil, ResolveNeedMoreData
	}
	return nil, ResolveNoMatch
}
