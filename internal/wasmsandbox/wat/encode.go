package wat

import (
	"fmt"
	"strconv"
	"strings"
)

// Compile assembles WAT source into a WebAssembly binary module.
func Compile(src string) ([]byte, error) {
	top, err := parseAll(tokenize(src))
	if err != nil {
		return nil, err
	}
	var mod node
	found := false
	for _, n := range top {
		if head(n) == "module" {
			mod = n
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("wat: no (module ...) form found")
	}
	return encodeModule(mod)
}

type valtype byte

const (
	i32 valtype = 0x7F
	i64 valtype = 0x7E
)

func parseValtype(s string) (valtype, error) {
	switch s {
	case "i32":
		return i32, nil
	case "i64":
		return i64, nil
	default:
		return 0, fmt.Errorf("wat: unsupported value type %q", s)
	}
}

type function struct {
	params     []valtype
	results    []valtype
	locals     []valtype // in addition to params, indexed after them
	exportName string
	funcName   string         // optional "$name" identifier, resolved for `call`
	names      map[string]int // "$name" -> local index, spanning params then locals
	body       []node         // flat instruction atoms (blocks are flat "block"/"loop"/"if"/"else"/"end" atoms, not folded s-expressions)
}

type memoryDecl struct {
	exportName string
	min        uint32
}

func encodeModule(mod node) ([]byte, error) {
	var funcs []*function
	var mem *memoryDecl

	for _, child := range mod.kids[1:] {
		if !child.isList {
			continue
		}
		switch head(child) {
		case "memory":
			m, err := parseMemory(child)
			if err != nil {
				return nil, err
			}
			mem = m
		case "func":
			f, err := parseFunc(child)
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, f)
		}
	}
	if mem == nil {
		return nil, fmt.Errorf("wat: module has no (memory ...) declaration")
	}

	funcNames := make(map[string]int)
	for i, f := range funcs {
		if f.funcName != "" {
			funcNames[f.funcName] = i
		}
	}

	var out []byte
	out = append(out, 0x00, 0x61, 0x73, 0x6D) // magic "\0asm"
	out = append(out, 0x01, 0x00, 0x00, 0x00) // version 1

	// Type section (id 1): one func type per function, in declaration order.
	var typeSec []byte
	typeSec = append(typeSec, uleb32(uint32(len(funcs)))...)
	for _, f := range funcs {
		typeSec = append(typeSec, 0x60)
		typeSec = append(typeSec, uleb32(uint32(len(f.params)))...)
		for _, p := range f.params {
			typeSec = append(typeSec, byte(p))
		}
		typeSec = append(typeSec, uleb32(uint32(len(f.results)))...)
		for _, r := range f.results {
			typeSec = append(typeSec, byte(r))
		}
	}
	out = append(out, section(1, typeSec)...)

	// Function section (id 3): typeidx per function == its own index.
	var funcSec []byte
	funcSec = append(funcSec, uleb32(uint32(len(funcs)))...)
	for i := range funcs {
		funcSec = append(funcSec, uleb32(uint32(i))...)
	}
	out = append(out, section(3, funcSec)...)

	// Memory section (id 5): one memory, no max.
	var memSec []byte
	memSec = append(memSec, uleb32(1)...)
	memSec = append(memSec, 0x00)
	memSec = append(memSec, uleb32(mem.min)...)
	out = append(out, section(5, memSec)...)

	// Export section (id 7).
	var expEntries int
	var expBuf []byte
	if mem.exportName != "" {
		expBuf = append(expBuf, exportEntry(mem.exportName, 0x02, 0)...)
		expEntries++
	}
	for i, f := range funcs {
		if f.exportName != "" {
			expBuf = append(expBuf, exportEntry(f.exportName, 0x00, uint32(i))...)
			expEntries++
		}
	}
	var exportSec []byte
	exportSec = append(exportSec, uleb32(uint32(expEntries))...)
	exportSec = append(exportSec, expBuf...)
	out = append(out, section(7, exportSec)...)

	// Code section (id 10).
	var codeSec []byte
	codeSec = append(codeSec, uleb32(uint32(len(funcs)))...)
	for _, f := range funcs {
		body, err := encodeFuncBody(f, funcNames)
		if err != nil {
			return nil, err
		}
		codeSec = append(codeSec, uleb32(uint32(len(body)))...)
		codeSec = append(codeSec, body...)
	}
	out = append(out, section(10, codeSec)...)

	return out, nil
}

func exportEntry(name string, kind byte, idx uint32) []byte {
	var out []byte
	out = append(out, uleb32(uint32(len(name)))...)
	out = append(out, []byte(name)...)
	out = append(out, kind)
	out = append(out, uleb32(idx)...)
	return out
}

func section(id byte, content []byte) []byte {
	var out []byte
	out = append(out, id)
	out = append(out, uleb32(uint32(len(content)))...)
	out = append(out, content...)
	return out
}

func parseMemory(n node) (*memoryDecl, error) {
	m := &memoryDecl{}
	for _, k := range n.kids[1:] {
		if k.isList && head(k) == "export" {
			if len(k.kids) < 2 {
				return nil, fmt.Errorf("wat: (export) missing name")
			}
			m.exportName = k.kids[1].atom
			continue
		}
		if !k.isList {
			v, err := strconv.ParseUint(k.atom, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("wat: bad memory page count %q: %w", k.atom, err)
			}
			m.min = uint32(v)
		}
	}
	return m, nil
}

func parseFunc(n node) (*function, error) {
	f := &function{}
	f.names = make(map[string]int)
	rest := n.kids[1:]
	if len(rest) > 0 && !rest[0].isList && strings.HasPrefix(rest[0].atom, "$") {
		f.funcName = rest[0].atom
		rest = rest[1:]
	}
	i := 0
	for i < len(rest) && rest[i].isList {
		switch head(rest[i]) {
		case "export":
			f.exportName = rest[i].kids[1].atom
		case "param":
			idx := len(f.params)
			args := rest[i].kids[1:]
			if len(args) == 2 && strings.HasPrefix(args[0].atom, "$") {
				vt, err := parseValtype(args[1].atom)
				if err != nil {
					return nil, err
				}
				f.names[args[0].atom] = idx
				f.params = append(f.params, vt)
				break
			}
			for _, t := range args {
				vt, err := parseValtype(t.atom)
				if err != nil {
					return nil, err
				}
				f.params = append(f.params, vt)
			}
		case "result":
			for _, t := range rest[i].kids[1:] {
				vt, err := parseValtype(t.atom)
				if err != nil {
					return nil, err
				}
				f.results = append(f.results, vt)
			}
		case "local":
			idx := len(f.params) + len(f.locals)
			args := rest[i].kids[1:]
			if len(args) == 2 && strings.HasPrefix(args[0].atom, "$") {
				vt, err := parseValtype(args[1].atom)
				if err != nil {
					return nil, err
				}
				f.names[args[0].atom] = idx
				f.locals = append(f.locals, vt)
				break
			}
			for _, t := range args {
				vt, err := parseValtype(t.atom)
				if err != nil {
					return nil, err
				}
				f.locals = append(f.locals, vt)
			}
		default:
			goto body
		}
		i++
	}
body:
	f.body = rest[i:]
	return f, nil
}

// opcode table for the flat instruction mnemonics Prism's built-in
// middlewares use. Immediate kinds: none, localidx, labelidx, funcidx,
// i32 const (sleb32), i64 const (sleb64), memarg (align, offset).
type immKind int

const (
	immNone immKind = iota
	immIdx
	immI32
	immI64
	immMemAlign0
	immMemAlign1
	immMemAlign2
	immMemAlign3
	immBlockType
)

var opcodes = map[string]struct {
	bytes []byte
	imm   immKind
}{
	"unreachable":    {[]byte{0x00}, immNone},
	"nop":            {[]byte{0x01}, immNone},
	"block":          {[]byte{0x02}, immBlockType},
	"loop":           {[]byte{0x03}, immBlockType},
	"if":             {[]byte{0x04}, immBlockType},
	"else":           {[]byte{0x05}, immNone},
	"end":            {[]byte{0x0B}, immNone},
	"br":             {[]byte{0x0C}, immIdx},
	"br_if":          {[]byte{0x0D}, immIdx},
	"return":         {[]byte{0x0F}, immNone},
	"call":           {[]byte{0x10}, immIdx},
	"drop":           {[]byte{0x1A}, immNone},
	"select":         {[]byte{0x1B}, immNone},
	"local.get":      {[]byte{0x20}, immIdx},
	"local.set":      {[]byte{0x21}, immIdx},
	"local.tee":      {[]byte{0x22}, immIdx},
	"i32.load":       {[]byte{0x28}, immMemAlign2},
	"i64.load":       {[]byte{0x29}, immMemAlign3},
	"i32.load8_u":    {[]byte{0x2D}, immMemAlign0},
	"i32.load16_u":   {[]byte{0x2F}, immMemAlign1},
	"i32.store":      {[]byte{0x36}, immMemAlign2},
	"i64.store":      {[]byte{0x37}, immMemAlign3},
	"i32.store8":     {[]byte{0x3A}, immMemAlign0},
	"i32.store16":    {[]byte{0x3B}, immMemAlign1},
	"memory.size":    {[]byte{0x3F, 0x00}, immNone},
	"memory.grow":    {[]byte{0x40, 0x00}, immNone},
	"i32.const":      {[]byte{0x41}, immI32},
	"i64.const":      {[]byte{0x42}, immI64},
	"i32.eqz":        {[]byte{0x45}, immNone},
	"i32.eq":         {[]byte{0x46}, immNone},
	"i32.ne":         {[]byte{0x47}, immNone},
	"i32.lt_u":       {[]byte{0x49}, immNone},
	"i32.gt_u":       {[]byte{0x4B}, immNone},
	"i32.le_u":       {[]byte{0x4D}, immNone},
	"i32.ge_u":       {[]byte{0x4F}, immNone},
	"i64.eqz":        {[]byte{0x50}, immNone},
	"i32.add":        {[]byte{0x6A}, immNone},
	"i32.sub":        {[]byte{0x6B}, immNone},
	"i32.mul":        {[]byte{0x6C}, immNone},
	"i32.and":        {[]byte{0x71}, immNone},
	"i32.or":         {[]byte{0x72}, immNone},
	"i32.xor":        {[]byte{0x73}, immNone},
	"i32.shl":        {[]byte{0x74}, immNone},
	"i32.shr_u":      {[]byte{0x76}, immNone},
	"i64.add":        {[]byte{0x7C}, immNone},
	"i64.sub":        {[]byte{0x7D}, immNone},
	"i64.mul":        {[]byte{0x7E}, immNone},
	"i64.and":        {[]byte{0x83}, immNone},
	"i64.or":         {[]byte{0x84}, immNone},
	"i64.xor":        {[]byte{0x85}, immNone},
	"i64.shl":        {[]byte{0x86}, immNone},
	"i64.shr_u":      {[]byte{0x88}, immNone},
	"i32.wrap_i64":     {[]byte{0xA7}, immNone},
	"i64.extend_i32_u": {[]byte{0xAD}, immNone},
	"i64.extend_i32_s": {[]byte{0xAC}, immNone},
}

func encodeFuncBody(f *function, funcNames map[string]int) ([]byte, error) {
	var locals []byte
	// Each declared local gets its own one-entry run; simple, valid, and
	// avoids needing to pre-group identical consecutive types.
	locals = append(locals, uleb32(uint32(len(f.locals)))...)
	for _, vt := range f.locals {
		locals = append(locals, uleb32(1)...)
		locals = append(locals, byte(vt))
	}

	code, err := encodeInstrs(f.body, f.names, funcNames)
	if err != nil {
		return nil, err
	}
	code = append(code, 0x0B) // implicit function-level "end"

	return append(locals, code...), nil
}

func encodeInstrs(nodes []node, localNames, funcNames map[string]int) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(nodes) {
		n := nodes[i]
		if n.isList {
			return nil, fmt.Errorf("wat: folded instruction expressions are not supported: %s", n.String())
		}
		mnem := n.atom
		op, ok := opcodes[mnem]
		if !ok {
			return nil, fmt.Errorf("wat: unsupported instruction %q", mnem)
		}
		out = append(out, op.bytes...)
		switch op.imm {
		case immNone:
			// nothing
		case immIdx:
			i++
			if i >= len(nodes) {
				return nil, fmt.Errorf("wat: %q missing index operand", mnem)
			}
			operand := nodes[i].atom
			var idx uint32
			if strings.HasPrefix(operand, "$") {
				table := localNames
				if mnem == "call" {
					table = funcNames
				}
				v, ok := table[operand]
				if !ok {
					return nil, fmt.Errorf("wat: %q: unknown identifier %q", mnem, operand)
				}
				idx = uint32(v)
			} else {
				v, err := strconv.ParseUint(operand, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("wat: %q bad index %q: %w", mnem, operand, err)
				}
				idx = uint32(v)
			}
			out = append(out, uleb32(idx)...)
		case immI32:
			i++
			if i >= len(nodes) {
				return nil, fmt.Errorf("wat: %q missing constant operand", mnem)
			}
			v, err := strconv.ParseInt(nodes[i].atom, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("wat: %q bad constant %q: %w", mnem, nodes[i].atom, err)
			}
			out = append(out, sleb64(v)...)
		case immI64:
			i++
			if i >= len(nodes) {
				return nil, fmt.Errorf("wat: %q missing constant operand", mnem)
			}
			v, err := strconv.ParseInt(nodes[i].atom, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("wat: %q bad constant %q: %w", mnem, nodes[i].atom, err)
			}
			out = append(out, sleb64(v)...)
		case immMemAlign0, immMemAlign1, immMemAlign2, immMemAlign3:
			align := map[immKind]uint32{immMemAlign0: 0, immMemAlign1: 1, immMemAlign2: 2, immMemAlign3: 3}[op.imm]
			offset := uint32(0)
			if i+1 < len(nodes) && !nodes[i+1].isList && strings.HasPrefix(nodes[i+1].atom, "offset=") {
				i++
				v, err := strconv.ParseUint(strings.TrimPrefix(nodes[i].atom, "offset="), 10, 32)
				if err != nil {
					return nil, fmt.Errorf("wat: %q bad offset %q: %w", mnem, nodes[i].atom, err)
				}
				offset = uint32(v)
			}
			out = append(out, uleb32(align)...)
			out = append(out, uleb32(offset)...)
		case immBlockType:
			// Optional result type immediately following ("block i32", "if
			// i64"); default is the empty block type (0x40).
			if i+1 < len(nodes) && !nodes[i+1].isList && (nodes[i+1].atom == "i32" || nodes[i+1].atom == "i64") {
				i++
				vt, _ := parseValtype(nodes[i].atom)
				out = append(out, byte(vt))
			} else {
				out = append(out, 0x40)
			}
		}
		i++
	}
	return out, nil
}

func uleb32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func sleb64(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}
