package jsonpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPath is wrapped when a path expression cannot be compiled.
var ErrInvalidPath = errors.New("jsonpath: invalid path")

type selectorKind int

const (
	selName selectorKind = iota
	selWildcard
	selIndex
	selSlice
)

type selector struct {
	kind  selectorKind
	name  string
	index int
	// slice bounds; nil means open
	start, end *int
	step       int
}

// segment applies its selectors (a union) to each input node, or to each
// input node and all its descendants when recursive.
type segment struct {
	recursive bool
	selectors []selector
}

// Path is a compiled expression. It is safe for concurrent use.
type Path struct {
	expr     string
	segments []segment
}

// Compile parses a path such as $.a.b[0], $..price, $[-1:] or $['key'][*].
func Compile(expr string) (*Path, error) {
	p := &parser{src: expr}
	segs, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, expr, err)
	}
	return &Path{expr: expr, segments: segs}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Path {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Path) String() string {
	return p.expr
}

// Query returns every match in document order.
func (p *Path) Query(root *Node) []*Node {
	nodes := []*Node{root}
	for _, seg := range p.segments {
		var next []*Node
		for _, n := range nodes {
			if seg.recursive {
				walk(n, func(d *Node) {
					next = seg.apply(d, next)
				})
				continue
			}
			next = seg.apply(n, next)
		}
		nodes = next
		if len(nodes) == 0 {
			return nil
		}
	}
	return nodes
}

// First returns the first match in document order.
func (p *Path) First(root *Node) (*Node, bool) {
	matches := p.Query(root)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Extract parses doc and returns all matches of expr. No match is not an
// error: it yields an empty slice.
func Extract(doc []byte, expr string) ([]*Node, error) {
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	root, err := Parse(doc)
	if err != nil {
		return nil, err
	}
	return p.Query(root), nil
}

// walk visits n and its descendants in pre-order.
func walk(n *Node, visit func(*Node)) {
	visit(n)
	switch n.Kind {
	case Array:
		for _, item := range n.Items {
			walk(item, visit)
		}
	case Object:
		for _, v := range n.Values {
			walk(v, visit)
		}
	}
}

func (s segment) apply(n *Node, out []*Node) []*Node {
	for _, sel := range s.selectors {
		out = sel.apply(n, out)
	}
	return out
}

func (s selector) apply(n *Node, out []*Node) []*Node {
	switch s.kind {
	case selName:
		if v, ok := n.Get(s.name); ok {
			out = append(out, v)
		}
	case selWildcard:
		switch n.Kind {
		case Array:
			out = append(out, n.Items...)
		case Object:
			out = append(out, n.Values...)
		}
	case selIndex:
		if n.Kind != Array {
			break
		}
		i := s.index
		if i < 0 {
			i += len(n.Items)
		}
		if i >= 0 && i < len(n.Items) {
			out = append(out, n.Items[i])
		}
	case selSlice:
		if n.Kind != Array {
			break
		}
		out = appendSlice(out, n.Items, s.start, s.end, s.step)
	}
	return out
}

func appendSlice(out, items []*Node, startP, endP *int, step int) []*Node {
	n := len(items)
	normalize := func(i int) int {
		if i < 0 {
			return i + n
		}
		return i
	}
	if step > 0 {
		start, end := 0, n
		if startP != nil {
			start = clamp(normalize(*startP), 0, n)
		}
		if endP != nil {
			end = clamp(normalize(*endP), 0, n)
		}
		for i := start; i < end; i += step {
			out = append(out, items[i])
			if step >= end-i {
				break
			}
		}
		return out
	}
	start, end := n-1, -1
	if startP != nil {
		start = clamp(normalize(*startP), -1, n-1)
	}
	if endP != nil {
		end = clamp(normalize(*endP), -1, n-1)
	}
	for i := start; i > end; i += step {
		out = append(out, items[i])
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type parser struct {
	src string
	pos int
}

func (p *parser) parse() ([]segment, error) {
	if !strings.HasPrefix(p.src, "$") {
		return nil, errors.New("path must start with $")
	}
	p.pos = 1
	var segs []segment
	for p.pos < len(p.src) {
		switch {
		case strings.HasPrefix(p.src[p.pos:], ".."):
			p.pos += 2
			seg, err := p.afterDot()
			if err != nil {
				return nil, err
			}
			seg.recursive = true
			segs = append(segs, seg)
		case p.src[p.pos] == '.':
			p.pos++
			seg, err := p.afterDot()
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
		case p.src[p.pos] == '[':
			seg, err := p.bracket()
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", p.src[p.pos], p.pos)
		}
	}
	return segs, nil
}

// afterDot parses what follows '.' or '..': a member name, '*', or a bracket.
func (p *parser) afterDot() (segment, error) {
	if p.pos >= len(p.src) {
		return segment{}, errors.New("path ends after dot")
	}
	switch p.src[p.pos] {
	case '*':
		p.pos++
		return segment{selectors: []selector{{kind: selWildcard}}}, nil
	case '[':
		return p.bracket()
	}
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != '.' && p.src[p.pos] != '[' {
		p.pos++
	}
	name := p.src[start:p.pos]
	if name == "" {
		return segment{}, fmt.Errorf("empty member name at offset %d", start)
	}
	return segment{selectors: []selector{{kind: selName, name: name}}}, nil
}

func (p *parser) bracket() (segment, error) {
	p.pos++ // '['
	var seg segment
	for {
		p.skipSpaces()
		sel, err := p.selector()
		if err != nil {
			return segment{}, err
		}
		seg.selectors = append(seg.selectors, sel)
		p.skipSpaces()
		if p.pos >= len(p.src) {
			return segment{}, errors.New("unterminated bracket")
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
			continue
		case ']':
			p.pos++
			return seg, nil
		}
		return segment{}, fmt.Errorf("unexpected %q at offset %d", p.src[p.pos], p.pos)
	}
}

func (p *parser) selector() (selector, error) {
	if p.pos >= len(p.src) {
		return selector{}, errors.New("unterminated bracket")
	}
	switch c := p.src[p.pos]; {
	case c == '*':
		p.pos++
		return selector{kind: selWildcard}, nil
	case c == '\'' || c == '"':
		name, err := p.quoted(c)
		if err != nil {
			return selector{}, err
		}
		return selector{kind: selName, name: name}, nil
	case c == '?' || c == '(':
		return selector{}, errors.New("filter and script expressions are not supported")
	}
	return p.indexOrSlice()
}

func (p *parser) quoted(q byte) (string, error) {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src):
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case c == q:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", errors.New("unterminated quoted name")
}

func (p *parser) indexOrSlice() (selector, error) {
	var parts []*int
	colons := 0
	for {
		p.skipSpaces()
		n, ok, err := p.integer()
		if err != nil {
			return selector{}, err
		}
		if ok {
			parts = append(parts, &n)
		} else {
			parts = append(parts, nil)
		}
		p.skipSpaces()
		if p.pos < len(p.src) && p.src[p.pos] == ':' {
			colons++
			if colons > 2 {
				return selector{}, errors.New("too many ':' in slice")
			}
			p.pos++
			continue
		}
		break
	}
	if colons == 0 {
		if parts[0] == nil {
			return selector{}, fmt.Errorf("expected index at offset %d", p.pos)
		}
		return selector{kind: selIndex, index: *parts[0]}, nil
	}
	sel := selector{kind: selSlice, start: parts[0], end: parts[1], step: 1}
	if colons == 2 && parts[2] != nil {
		sel.step = *parts[2]
		if sel.step == 0 {
			return selector{}, errors.New("slice step must not be zero")
		}
	}
	return sel, nil
}

func (p *parser) integer() (int, bool, error) {
	start := p.pos
	if p.pos < len(p.src) && p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, false, nil
	}
	n, err := strconv.Atoi(p.src[start:p.pos])
	if err != nil {
		return 0, false, fmt.Errorf("bad integer %q", p.src[start:p.pos])
	}
	return n, true, nil
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}
