// Package rules compiles and evaluates user rule expressions over ranked
// items. The expression language is a restricted arithmetic and boolean
// grammar over a fixed identifier set; anything outside it (calls,
// attribute access, subscription, assignment) fails at compile time, so a
// registered rule can never fail at evaluation time. The evaluator has no
// access to host state of any kind.
package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Identifiers available to rule expressions.
var allowedIdents = map[string]bool{
	"rank":                true,
	"score":               true,
	"liquidity_edge":      true,
	"momentum_edge":       true,
	"volatility_edge":     true,
	"microstructure_edge": true,
	"anomaly_residual":    true,
	"manipulation_score":  true,
}

// CompileError is returned when an expression falls outside the grammar.
type CompileError struct {
	Expression string
	Pos        int
	Reason     string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule compile error at offset %d: %s", e.Pos, e.Reason)
}

// node kinds
type nodeKind int

const (
	nodeNumber nodeKind = iota
	nodeString
	nodeBool
	nodeNull
	nodeIdent
	nodeUnary  // op in {+, -, !, not}
	nodeBinary // arithmetic / boolean
	nodeCompare
)

type node struct {
	kind nodeKind

	num   float64
	str   string
	boole bool
	ident string

	op    string
	left  *node
	right *node

	// compare chains: operands[0] ops[0] operands[1] ops[1] operands[2] ...
	operands []*node
	ops      []string
}

// token kinds
type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	src  string
	pos  int
	expr string
}

func (l *lexer) errf(pos int, format string, args ...interface{}) error {
	return &CompileError{Expression: l.expr, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9':
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.' ||
			l.src[l.pos] == 'e' || l.src[l.pos] == 'E' ||
			(l.pos > start && (l.src[l.pos] == '+' || l.src[l.pos] == '-') &&
				(l.src[l.pos-1] == 'e' || l.src[l.pos-1] == 'E'))) {
			l.pos++
		}
		text := l.src[start:l.pos]
		num, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, l.errf(start, "bad number literal %q", text)
		}
		return token{kind: tokNumber, text: text, num: num, pos: start}, nil
	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			sb.WriteByte(l.src[l.pos])
			l.pos++
		}
		if l.pos >= len(l.src) {
			return token{}, l.errf(start, "unterminated string literal")
		}
		l.pos++
		return token{kind: tokString, text: sb.String(), pos: start}, nil
	case unicode.IsLetter(rune(c)) || c == '_':
		for l.pos < len(l.src) && (unicode.IsLetter(rune(l.src[l.pos])) ||
			unicode.IsDigit(rune(l.src[l.pos])) || l.src[l.pos] == '_') {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	}

	// Multi-char operators first.
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "**", "==", "!=", "<=", ">=":
		l.pos += 2
		return token{kind: tokOp, text: two, pos: start}, nil
	}
	switch c {
	case '+', '-', '*', '/', '%', '<', '>', '!':
		l.pos++
		return token{kind: tokOp, text: string(c), pos: start}, nil
	}

	// Everything else is outside the grammar: subscripts, attribute access,
	// commas, braces, lambdas and friends all land here.
	return token{}, l.errf(start, "unsupported character %q", string(c))
}

type parser struct {
	lex  *lexer
	tok  token
	expr string
}

// Compile parses an expression into an evaluable program.
func Compile(expression string) (*node, error) {
	lex := &lexer{src: expression, expr: expression}
	p := &parser{lex: lex, expr: expression}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errf("unexpected trailing input %q", p.tok.text)
	}
	return root, nil
}

func (p *parser) errf(format string, args ...interface{}) error {
	return &CompileError{Expression: p.expr, Pos: p.tok.pos, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) isKeyword(word string) bool {
	return p.tok.kind == tokIdent && p.tok.text == word
}

func (p *parser) parseOr() (*node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &node{kind: nodeBinary, op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &node{kind: nodeBinary, op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (*node, error) {
	if p.isKeyword("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &node{kind: nodeUnary, op: "not", left: operand}, nil
	}
	return p.parseCompare()
}

func isCompareOp(t token) bool {
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			return true
		}
	}
	if t.kind == tokIdent && (t.text == "in" || t.text == "notin") {
		return true
	}
	return false
}

func (p *parser) parseCompare() (*node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if !isCompareOp(p.tok) && !p.isKeyword("not") {
		return left, nil
	}

	cmp := &node{kind: nodeCompare, operands: []*node{left}}
	for {
		var op string
		switch {
		case p.isKeyword("not"):
			// "not in" spelled as two words
			if err := p.advance(); err != nil {
				return nil, err
			}
			if !p.isKeyword("in") {
				return nil, p.errf("expected 'in' after 'not' in comparison")
			}
			op = "notin"
		case isCompareOp(p.tok):
			op = p.tok.text
		default:
			if len(cmp.ops) == 0 {
				return left, nil
			}
			return cmp, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		cmp.ops = append(cmp.ops, op)
		cmp.operands = append(cmp.operands, right)
	}
}

func (p *parser) parseSum() (*node, error) {
	left, err := p.parseProd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseProd()
		if err != nil {
			return nil, err
		}
		left = &node{kind: nodeBinary, op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseProd() (*node, error) {
	left, err := p.parsePow()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/" || p.tok.text == "%") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePow()
		if err != nil {
			return nil, err
		}
		left = &node{kind: nodeBinary, op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePow() (*node, error) {
	base, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp && p.tok.text == "**" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		// Right-associative.
		exp, err := p.parsePow()
		if err != nil {
			return nil, err
		}
		return &node{kind: nodeBinary, op: "**", left: base, right: exp}, nil
	}
	return base, nil
}

func (p *parser) parseUnary() (*node, error) {
	if p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-" || p.tok.text == "!") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &node{kind: nodeUnary, op: op, left: operand}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (*node, error) {
	switch p.tok.kind {
	case tokNumber:
		n := &node{kind: nodeNumber, num: p.tok.num}
		return n, p.advance()
	case tokString:
		n := &node{kind: nodeString, str: p.tok.text}
		return n, p.advance()
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errf("expected ')'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		// A '(' immediately after an atom would be a call; the grammar has
		// no such production, so it falls out as trailing input upstream.
		return inner, nil
	case tokIdent:
		word := p.tok.text
		switch word {
		case "true":
			n := &node{kind: nodeBool, boole: true}
			return n, p.advance()
		case "false":
			n := &node{kind: nodeBool, boole: false}
			return n, p.advance()
		case "null":
			n := &node{kind: nodeNull}
			return n, p.advance()
		case "and", "or", "not", "in", "notin":
			return nil, p.errf("keyword %q cannot be used as a value", word)
		}
		if !allowedIdents[word] {
			return nil, p.errf("unknown identifier %q", word)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokLParen {
			return nil, p.errf("function calls are not allowed")
		}
		return &node{kind: nodeIdent, ident: word}, nil
	}
	return nil, p.errf("unexpected token %q", p.tok.text)
}

// value is the runtime value domain: float64, bool, string or nil.
type value interface{}

// Eval evaluates a compiled program against a row binding the allowed
// identifiers. Missing identifiers bind to null. Type mismatches and
// division by zero evaluate to null rather than failing.
func Eval(program *node, row map[string]float64) bool {
	return truthy(evalNode(program, row))
}

func evalNode(n *node, row map[string]float64) value {
	switch n.kind {
	case nodeNumber:
		return n.num
	case nodeString:
		return n.str
	case nodeBool:
		return n.boole
	case nodeNull:
		return nil
	case nodeIdent:
		if v, ok := row[n.ident]; ok {
			return v
		}
		return nil
	case nodeUnary:
		v := evalNode(n.left, row)
		switch n.op {
		case "-":
			if f, ok := v.(float64); ok {
				return -f
			}
			return nil
		case "+":
			if f, ok := v.(float64); ok {
				return f
			}
			return nil
		case "!", "not":
			return !truthy(v)
		}
		return nil
	case nodeBinary:
		switch n.op {
		case "and":
			if !truthy(evalNode(n.left, row)) {
				return false
			}
			return truthy(evalNode(n.right, row))
		case "or":
			if truthy(evalNode(n.left, row)) {
				return true
			}
			return truthy(evalNode(n.right, row))
		}
		lf, lok := evalNode(n.left, row).(float64)
		rf, rok := evalNode(n.right, row).(float64)
		if !lok || !rok {
			return nil
		}
		switch n.op {
		case "+":
			return lf + rf
		case "-":
			return lf - rf
		case "*":
			return lf * rf
		case "/":
			if rf == 0 {
				return nil
			}
			return lf / rf
		case "%":
			if rf == 0 {
				return nil
			}
			return math.Mod(lf, rf)
		case "**":
			return math.Pow(lf, rf)
		}
		return nil
	case nodeCompare:
		// Chained comparisons: every adjacent pair must hold.
		left := evalNode(n.operands[0], row)
		for i, op := range n.ops {
			right := evalNode(n.operands[i+1], row)
			ok := compare(op, left, right)
			if ok == nil || !*ok {
				return false
			}
			left = right
		}
		return true
	}
	return nil
}

func compare(op string, left, right value) *bool {
	switch op {
	case "==":
		return boolPtr(equal(left, right))
	case "!=":
		return boolPtr(!equal(left, right))
	case "in":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return nil
		}
		return boolPtr(strings.Contains(rs, ls))
	case "notin":
		in := compare("in", left, right)
		if in == nil {
			return nil
		}
		return boolPtr(!*in)
	}
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil
	}
	switch op {
	case "<":
		return boolPtr(lf < rf)
	case "<=":
		return boolPtr(lf <= rf)
	case ">":
		return boolPtr(lf > rf)
	case ">=":
		return boolPtr(lf >= rf)
	}
	return nil
}

func equal(left, right value) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		return ok && l == r
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}
	return false
}

func truthy(v value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
