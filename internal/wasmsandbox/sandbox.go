// Package wasmsandbox hosts the WebAssembly middleware chain that
// extracts (and optionally rewrites) a routing hostname from a
// connection's prelude. Every invocation runs in a fresh module
// instance with no state carried across calls; compiled modules are
// cached by name.
package wasmsandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"

	"github.com/prismproxy/prism/internal/wasmsandbox/wat"
)

// Phase selects which of the two ABI entry semantics a module runs under.
type Phase uint32

const (
	PhaseParse   Phase = 0
	PhaseRewrite Phase = 1
)

// Status is the tri-state-plus-match outcome of one module invocation.
type Status int

const (
	StatusNeedMoreData Status = iota
	StatusNoMatch
	StatusFatal
	StatusMatched
)

func (s Status) String() string {
	switch s {
	case StatusNeedMoreData:
		return "need-more-data"
	case StatusNoMatch:
		return "no-match"
	case StatusFatal:
		return "fatal"
	case StatusMatched:
		return "matched"
	default:
		return "unknown"
	}
}

// Outcome carries what a single module invocation emitted.
type Outcome struct {
	Host    string
	Rewrite []byte
}

const (
	requiredPages = 4
	pageSize      = 65536
	ctxStructLen  = 16
)

// Provider reads, compiles, and caches WAT middleware modules from a
// directory, and runs them against a prelude buffer per the ABI.
type Provider struct {
	dir     string
	runtime wazero.Runtime

	mu    sync.RWMutex
	cache map[string]wazero.CompiledModule
}

// NewProvider creates a Provider rooted at dir. The wazero runtime it
// owns should be closed via Close when the provider is no longer needed.
func NewProvider(ctx context.Context, dir string) *Provider {
	return &Provider{
		dir:     dir,
		runtime: wazero.NewRuntime(ctx),
		cache:   make(map[string]wazero.CompiledModule),
	}
}

func (p *Provider) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

// normalizeName validates a middleware name: no separators, no
// extension, '-' normalized to '_'.
func normalizeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("wasmsandbox: empty middleware name")
	}
	if strings.ContainsAny(name, "/\\.") {
		return "", fmt.Errorf("wasmsandbox: invalid middleware name %q", name)
	}
	return strings.ReplaceAll(name, "-", "_"), nil
}

// get resolves name to a compiled module, reading and assembling
// <dir>/<name>.wat on first use and caching the result.
func (p *Provider) get(ctx context.Context, name string) (wazero.CompiledModule, error) {
	norm, err := normalizeName(name)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	cm, ok := p.cache[norm]
	p.mu.RUnlock()
	if ok {
		return cm, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cm, ok := p.cache[norm]; ok {
		return cm, nil
	}

	path := filepath.Join(p.dir, norm+".wat")
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasmsandbox: reading %s: %w", path, err)
	}
	if len(src) >= 4 && string(src[:4]) == "\x00asm" {
		return nil, fmt.Errorf("wasmsandbox: %s is a compiled wasm binary; only text WAT is accepted", path)
	}

	bin, err := wat.Compile(string(src))
	if err != nil {
		return nil, fmt.Errorf("wasmsandbox: compiling %s: %w", path, err)
	}

	compiled, err := p.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("wasmsandbox: %s: %w", path, err)
	}

	p.cache[norm] = compiled
	return compiled, nil
}

func align8(v uint32) uint32 { return (v + 7) &^ 7 }

// Run instantiates name fresh and calls prism_mw_run against buf. It
// never mutates buf; any rewrite the module emits is returned as a new
// slice.
func (p *Provider) Run(ctx context.Context, name string, buf []byte, phase Phase, upstream string) (Outcome, Status, error) {
	compiled, err := p.get(ctx, name)
	if err != nil {
		return Outcome{}, StatusFatal, err
	}

	mod, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(uuid.NewString()))
	if err != nil {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: instantiate %s: %w", name, err)
	}
	defer mod.Close(ctx)

	mem := mod.Memory()
	if mem == nil {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s exports no memory", name)
	}

	if have := mem.Size() / pageSize; have < requiredPages {
		if _, ok := mem.Grow(requiredPages - have); !ok {
			return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s: memory grow failed", name)
		}
	}

	if len(buf) > 0 && !mem.Write(0, buf) {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s: prelude write out of bounds", name)
	}

	upstreamOff := align8(uint32(len(buf)))
	if len(upstream) > 0 && !mem.Write(upstreamOff, []byte(upstream)) {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s: upstream write out of bounds", name)
	}

	ctxOff := align8(upstreamOff + uint32(len(upstream)))
	var ctxBuf [ctxStructLen]byte
	binary.LittleEndian.PutUint32(ctxBuf[0:4], 1)
	binary.LittleEndian.PutUint32(ctxBuf[4:8], uint32(phase))
	binary.LittleEndian.PutUint32(ctxBuf[8:12], upstreamOff)
	binary.LittleEndian.PutUint32(ctxBuf[12:16], uint32(len(upstream)))
	if !mem.Write(ctxOff, ctxBuf[:]) {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s: ctx write out of bounds", name)
	}

	fn := mod.ExportedFunction("prism_mw_run")
	if fn == nil {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s exports no prism_mw_run", name)
	}

	results, err := fn.Call(ctx, uint64(uint32(len(buf))), uint64(ctxOff))
	if err != nil {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s: call: %w", name, err)
	}
	if len(results) != 1 {
		return Outcome{}, StatusFatal, fmt.Errorf("wasmsandbox: %s: prism_mw_run returned %d results, want 1", name, len(results))
	}

	ret := int64(results[0])
	switch ret {
	case 0:
		return Outcome{}, StatusNeedMoreData, nil
	case 1:
		return Outcome{}, StatusNoMatch, nil
	case -1:
		return Outcome{}, StatusFatal, nil
	}
	if ret < 0 {
		// Any other negative value is outside the documented ABI.
		return Outcome{}, StatusFatal, nil
	}

	ptr := uint32(uint64(ret) & 0xFFFFFFFF)
	rec, ok := mem.Read(ptr, ctxStructLen)
	if !ok {
		return Outcome{}, StatusFatal, nil
	}
	hostPtr := binary.LittleEndian.Uint32(rec[0:4])
	hostLen := binary.LittleEndian.Uint32(rec[4:8])
	rwPtr := binary.LittleEndian.Uint32(rec[8:12])
	rwLen := binary.LittleEndian.Uint32(rec[12:16])

	if hostLen == 0 && rwLen == 0 {
		return Outcome{}, StatusNoMatch, nil
	}

	var out Outcome
	if hostLen > 0 {
		hb, ok := mem.Read(hostPtr, hostLen)
		if !ok {
			return Outcome{}, StatusFatal, nil
		}
		out.Host = strings.ToLower(strings.TrimSpace(string(hb)))
	}
	if rwLen > 0 {
		rb, ok := mem.Read(rwPtr, rwLen)
		if !ok {
			return Outcome{}, StatusFatal, nil
		}
		out.Rewrite = append([]byte(nil), rb...)
	}
	if out.Host == "" && out.Rewrite == nil {
		return Outcome{}, StatusNoMatch, nil
	}
	return out, StatusMatched, nil
}
