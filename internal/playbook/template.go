package playbook

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// keywords are names the template language never resolves from context.
var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"if": true, "else": true,
	"true": true, "false": true, "none": true,
	"True": true, "False": true, "None": true,
}

var endRaw = regexp.MustCompile(`\{%[-+]?\s*endraw\s*[-+]?%\}`)

type tokenKind int

const (
	tokName tokenKind = iota
	tokString
	tokNumber
	tokOp
)

type token struct {
	kind tokenKind
	val  string
}

func (t token) is(kind tokenKind, val string) bool { return t.kind == kind && t.val == val }

type scope struct {
	parent *scope
	names  map[string]bool
}

func newScope(parent *scope, names ...string) *scope {
	s := &scope{parent: parent, names: make(map[string]bool, len(names))}
	for _, n := range names {
		s.names[n] = true
	}
	return s
}

func (s *scope) declare(names ...string) {
	for _, n := range names {
		s.names[n] = true
	}
}

func (s *scope) declared() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	return out
}

func (s *scope) has(name string) bool {
	for c := s; c != nil; c = c.parent {
		if c.names[name] {
			return true
		}
	}
	return false
}

// frame is an open block tag.
type frame struct {
	tag   string
	outer *scope
	inner *scope
	// assign is declared in outer when a block-form set closes.
	assign []string
	// branches holds the names set in each closed if/elif branch.
	branches [][]string
	hasElse  bool
}

type scanner struct {
	src        string
	root       *scope
	stack      []frame
	undeclared map[string]bool
}

// UndeclaredVariables returns the sorted names a template reads from its
// context without declaring them first.
func UndeclaredVariables(src string) ([]string, error) {
	s := &scanner{src: src, root: newScope(nil), undeclared: make(map[string]bool)}
	if err := s.run(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.undeclared))
	for n := range s.undeclared {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *scanner) current() *scope {
	if len(s.stack) == 0 {
		return s.root
	}
	return s.stack[len(s.stack)-1].inner
}

func (s *scanner) load(sc *scope, name string) {
	if !sc.has(name) {
		s.undeclared[name] = true
	}
}

func (s *scanner) run() error {
	pos := 0
	for {
		i := strings.IndexByte(s.src[pos:], '{')
		if i < 0 {
			break
		}
		start := pos + i
		if start+1 >= len(s.src) {
			break
		}
		switch s.src[start+1] {
		case '#':
			end := strings.Index(s.src[start+2:], "#}")
			if end < 0 {
				return fmt.Errorf("unterminated comment at offset %d", start)
			}
			pos = start + 2 + end + 2
		case '{':
			body, next, err := s.tagBody(start, "}}")
			if err != nil {
				return err
			}
			toks, err := tokenize(body)
			if err != nil {
				return err
			}
			s.expr(s.current(), toks)
			pos = next
		case '%':
			body, next, err := s.tagBody(start, "%}")
			if err != nil {
				return err
			}
			toks, err := tokenize(body)
			if err != nil {
				return err
			}
			if len(toks) > 0 && toks[0].is(tokName, "raw") {
				loc := endRaw.FindStringIndex(s.src[next:])
				if loc == nil {
					return fmt.Errorf("unterminated raw block at offset %d", start)
				}
				pos = next + loc[1]
				continue
			}
			if err := s.statement(toks); err != nil {
				return err
			}
			pos = next
		default:
			pos = start + 1
		}
	}
	if len(s.stack) > 0 {
		return fmt.Errorf("unclosed %q block", s.stack[len(s.stack)-1].tag)
	}
	return nil
}

// tagBody returns the text between an opening delimiter at start and the
// matching closer, with whitespace control markers removed.
func (s *scanner) tagBody(start int, closer string) (string, int, error) {
	var quote byte
	for i := start + 2; i < len(s.src); i++ {
		c := s.src[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s.src[i:], closer):
			body := s.src[start+2 : i]
			body = strings.TrimPrefix(strings.TrimPrefix(body, "-"), "+")
			body = strings.TrimSuffix(strings.TrimSuffix(body, "-"), "+")
			return body, i + len(closer), nil
		}
	}
	return "", 0, fmt.Errorf("unterminated tag at offset %d", start)
}

func (s *scanner) push(tag string, inner *scope) {
	s.stack = append(s.stack, frame{tag: tag, outer: s.current(), inner: inner})
}

func (s *scanner) pop(tag string) (frame, error) {
	if len(s.stack) == 0 || s.stack[len(s.stack)-1].tag != tag {
		return frame{}, fmt.Errorf("unexpected end%s", tag)
	}
	f := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return f, nil
}

func (s *scanner) statement(toks []token) error {
	if len(toks) == 0 || toks[0].kind != tokName {
		return fmt.Errorf("malformed statement")
	}
	tag, rest := toks[0].val, toks[1:]
	sc := s.current()

	switch tag {
	case "if":
		s.expr(sc, rest)
		s.push("if", newScope(sc))
	case "elif", "else":
		if len(s.stack) == 0 {
			return fmt.Errorf("unexpected %s", tag)
		}
		top := &s.stack[len(s.stack)-1]
		if top.tag != "if" && (tag == "elif" || top.tag != "for") {
			return fmt.Errorf("unexpected %s inside %s", tag, top.tag)
		}
		if tag == "elif" {
			s.expr(top.outer, rest)
		}
		if top.tag == "if" {
			top.branches = append(top.branches, top.inner.declared())
			top.hasElse = tag == "else"
		}
		top.inner = newScope(top.outer)
	case "for":
		return s.forStatement(sc, rest)
	case "set":
		s.setStatement(sc, rest)
	case "macro":
		return s.macroStatement(sc, rest)
	case "call":
		params, rest := splitParams(rest)
		inner := newScope(sc, "caller", "varargs", "kwargs")
		s.params(sc, inner, params)
		s.expr(sc, rest)
		s.push("call", inner)
	case "with":
		inner := newScope(sc)
		for _, part := range splitTop(rest, ",") {
			if eq := indexTop(part, "="); eq > 0 {
				s.expr(sc, part[eq+1:])
				inner.declare(names(part[:eq])...)
			}
		}
		s.push("with", inner)
	case "filter":
		s.expr(sc, append([]token{{kind: tokOp, val: "|"}}, rest...))
		s.push("filter", newScope(sc))
	case "block":
		s.push("block", newScope(sc))
	case "import":
		as := indexName(rest, "as")
		if as < 0 {
			return fmt.Errorf("import without alias")
		}
		s.expr(sc, rest[:as])
		sc.declare(names(trimContext(rest[as+1:]))...)
	case "from":
		imp := indexName(rest, "import")
		if imp < 0 {
			return fmt.Errorf("from without import")
		}
		s.expr(sc, rest[:imp])
		for _, part := range splitTop(trimContext(rest[imp+1:]), ",") {
			if len(part) == 0 {
				continue
			}
			sc.declare(part[len(part)-1].val)
		}
	case "include":
		s.expr(sc, trimInclude(rest))
	default:
		if strings.HasPrefix(tag, "end") {
			return s.endStatement(strings.TrimPrefix(tag, "end"))
		}
		// extends, do, print and extension tags: evaluate the rest.
		s.expr(sc, rest)
	}
	return nil
}

func (s *scanner) endStatement(tag string) error {
	f, err := s.pop(tag)
	if err != nil {
		return err
	}
	switch tag {
	case "set":
		f.outer.declare(f.assign...)
	case "if":
		// Names set in every branch, else included, are set after the block.
		if f.hasElse {
			f.outer.declare(common(append(f.branches, f.inner.declared()))...)
		}
	}
	return nil
}

func common(branches [][]string) []string {
	counts := make(map[string]int)
	for _, b := range branches {
		for _, n := range b {
			counts[n]++
		}
	}
	var out []string
	for n, c := range counts {
		if c == len(branches) {
			out = append(out, n)
		}
	}
	return out
}

func (s *scanner) forStatement(sc *scope, rest []token) error {
	in := indexName(rest, "in")
	if in < 0 {
		return fmt.Errorf("for without in")
	}
	targets, iter := rest[:in], rest[in+1:]
	if n := len(iter); n > 0 && iter[n-1].is(tokName, "recursive") {
		iter = iter[:n-1]
	}
	var cond []token
	if i := indexName(iter, "if"); i >= 0 {
		iter, cond = iter[:i], iter[i+1:]
	}
	s.expr(sc, iter)

	inner := newScope(sc, "loop")
	inner.declare(names(targets)...)
	s.expr(inner, cond)
	s.push("for", inner)
	return nil
}

func (s *scanner) setStatement(sc *scope, rest []token) {
	eq := indexTop(rest, "=")
	if eq < 0 {
		// Block form: {% set x | filter %}...{% endset %}
		target := rest
		if bar := indexTop(rest, "|"); bar >= 0 {
			target = rest[:bar]
			s.expr(sc, rest[bar:])
		}
		s.push("set", newScope(sc))
		s.stack[len(s.stack)-1].assign = names(target)
		return
	}

	s.expr(sc, rest[eq+1:])
	target := rest[:eq]
	if indexTop(target, ".") >= 0 {
		// Namespace attribute assignment reads the namespace.
		s.load(sc, target[0].val)
		return
	}
	sc.declare(names(target)...)
}

func (s *scanner) macroStatement(sc *scope, rest []token) error {
	if len(rest) == 0 || rest[0].kind != tokName {
		return fmt.Errorf("macro without name")
	}
	sc.declare(rest[0].val)
	params, _ := splitParams(rest[1:])
	inner := newScope(sc, "caller", "varargs", "kwargs")
	s.params(sc, inner, params)
	s.push("macro", inner)
	return nil
}

// params declares each parameter in inner, evaluating defaults in outer.
func (s *scanner) params(outer, inner *scope, params []token) {
	for _, part := range splitTop(params, ",") {
		if len(part) == 0 || part[0].kind != tokName {
			continue
		}
		inner.declare(part[0].val)
		if eq := indexTop(part, "="); eq > 0 {
			s.expr(outer, part[eq+1:])
		}
	}
}

// expr records every context lookup in an expression.
func (s *scanner) expr(sc *scope, toks []token) {
	depth := 0
	for i, t := range toks {
		switch t.kind {
		case tokOp:
			switch t.val {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		case tokName:
		default:
			continue
		}
		if keywords[t.val] {
			continue
		}
		if i > 0 {
			prev := toks[i-1]
			if prev.is(tokOp, ".") || prev.is(tokOp, "|") || prev.is(tokName, "is") {
				continue
			}
			if prev.is(tokName, "not") && i > 1 && toks[i-2].is(tokName, "is") {
				continue
			}
		}
		if depth > 0 && i+1 < len(toks) && toks[i+1].is(tokOp, "=") {
			continue
		}
		s.load(sc, t.val)
	}
}

// splitParams splits a leading parenthesised parameter list off toks.
func splitParams(toks []token) (params, rest []token) {
	if len(toks) == 0 || !toks[0].is(tokOp, "(") {
		return nil, toks
	}
	depth := 0
	for i, t := range toks {
		switch {
		case t.is(tokOp, "(") || t.is(tokOp, "[") || t.is(tokOp, "{"):
			depth++
		case t.is(tokOp, ")") || t.is(tokOp, "]") || t.is(tokOp, "}"):
			depth--
			if depth == 0 {
				return toks[1:i], toks[i+1:]
			}
		}
	}
	return toks[1:], nil
}

// splitTop splits toks on op at bracket depth zero.
func splitTop(toks []token, op string) [][]token {
	var parts [][]token
	depth, start := 0, 0
	for i, t := range toks {
		switch {
		case t.is(tokOp, "(") || t.is(tokOp, "[") || t.is(tokOp, "{"):
			depth++
		case t.is(tokOp, ")") || t.is(tokOp, "]") || t.is(tokOp, "}"):
			depth--
		case depth == 0 && t.is(tokOp, op):
			parts = append(parts, toks[start:i])
			start = i + 1
		}
	}
	return append(parts, toks[start:])
}

func indexTop(toks []token, op string) int {
	depth := 0
	for i, t := range toks {
		switch {
		case t.is(tokOp, "(") || t.is(tokOp, "[") || t.is(tokOp, "{"):
			depth++
		case t.is(tokOp, ")") || t.is(tokOp, "]") || t.is(tokOp, "}"):
			depth--
		case depth == 0 && t.is(tokOp, op):
			return i
		}
	}
	return -1
}

func indexName(toks []token, name string) int {
	depth := 0
	for i, t := range toks {
		switch {
		case t.is(tokOp, "(") || t.is(tokOp, "[") || t.is(tokOp, "{"):
			depth++
		case t.is(tokOp, ")") || t.is(tokOp, "]") || t.is(tokOp, "}"):
			depth--
		case depth == 0 && t.is(tokName, name):
			return i
		}
	}
	return -1
}

func names(toks []token) []string {
	var out []string
	for _, t := range toks {
		if t.kind == tokName {
			out = append(out, t.val)
		}
	}
	return out
}

func trimContext(toks []token) []token {
	n := len(toks)
	if n >= 2 && toks[n-1].is(tokName, "context") &&
		(toks[n-2].is(tokName, "with") || toks[n-2].is(tokName, "without")) {
		return toks[:n-2]
	}
	return toks
}

func trimInclude(toks []token) []token {
	toks = trimContext(toks)
	n := len(toks)
	if n >= 2 && toks[n-2].is(tokName, "ignore") && toks[n-1].is(tokName, "missing") {
		return toks[:n-2]
	}
	return toks
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "//", "**"}

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			j := i + 1
			for ; j < len(src) && src[j] != c; j++ {
				if src[j] == '\\' {
					j++
				}
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string in %q", src)
			}
			toks = append(toks, token{kind: tokString, val: src[i+1 : j]})
			i = j + 1
		case isDigit(c):
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '.' || src[j] == '_' || src[j] == 'e' || src[j] == 'E') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, val: src[i:j]})
			i = j
		case isNameStart(c):
			j := i + 1
			for j < len(src) && (isNameStart(src[j]) || isDigit(src[j])) {
				j++
			}
			toks = append(toks, token{kind: tokName, val: src[i:j]})
			i = j
		default:
			op := string(c)
			for _, two := range twoCharOps {
				if strings.HasPrefix(src[i:], two) {
					op = two
					break
				}
			}
			toks = append(toks, token{kind: tokOp, val: op})
			i += len(op)
		}
	}
	return toks, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isNameStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
