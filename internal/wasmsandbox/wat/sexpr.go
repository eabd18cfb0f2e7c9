// Package wat assembles the restricted subset of the WebAssembly text
// format that Prism's own middleware modules are written in, into a
// WebAssembly binary module wazero can compile directly. It supports
// module/memory/func/export/param/result/local declarations as
// s-expressions, and a flat (unfolded) instruction stream inside each
// func body — no folded instruction expressions.
package wat

import (
	"fmt"
	"strings"
)

// node is one element of the parsed s-expression tree. An atom carries a
// bare word or quoted string in text; a list carries nested children.
type node struct {
	atom   string
	isList bool
	kids   []node
}

func (n node) String() string {
	if !n.isList {
		return n.atom
	}
	parts := make([]string, len(n.kids))
	for i, k := range n.kids {
		parts[i] = k.String()
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// tokenize splits WAT source into parens, quoted strings, and bare words.
func tokenize(src string) []string {
	var toks []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ';' && i+1 < len(src) && src[i+1] == ';':
			// line comment ";; ..."
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '"':
			j := i + 1
			for j < len(src) && src[j] != '"' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				toks = append(toks, src[i:])
				i = len(src)
				break
			}
			toks = append(toks, src[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(src) {
				ch := src[j]
				if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '(' || ch == ')' {
					break
				}
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		}
	}
	return toks
}

// parseAll parses the full token stream into top-level nodes (a WAT file
// is exactly one "(module ...)" list, but parseAll is general).
func parseAll(toks []string) ([]node, error) {
	pos := 0
	var out []node
	for pos < len(toks) {
		n, next, err := parseOne(toks, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		pos = next
	}
	return out, nil
}

func parseOne(toks []string, pos int) (node, int, error) {
	if pos >= len(toks) {
		return node{}, pos, fmt.Errorf("wat: unexpected end of input")
	}
	if toks[pos] == "(" {
		pos++
		var kids []node
		for {
			if pos >= len(toks) {
				return node{}, pos, fmt.Errorf("wat: unterminated list")
			}
			if toks[pos] == ")" {
				return node{isList: true, kids: kids}, pos + 1, nil
			}
			k, next, err := parseOne(toks, pos)
			if err != nil {
				return node{}, pos, err
			}
			kids = append(kids, k)
			pos = next
		}
	}
	if toks[pos] == ")" {
		return node{}, pos, fmt.Errorf("wat: unexpected ')'")
	}
	return node{atom: unquote(toks[pos])}, pos + 1, nil
}

func unquote(tok string) string {
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		return tok[1 : len(tok)-1]
	}
	return tok
}

// head returns the first atom of a list node, or "" if n is not a
// non-empty list starting with an atom.
func head(n node) string {
	if !n.isList || len(n.kids) == 0 || n.kids[0].isList {
		return ""
	}
	return n.kids[0].atom
}
