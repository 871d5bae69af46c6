package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SyntaxError reports an unparseable condition.
type SyntaxError struct {
	Expr string
	Pos  int // byte offset into Expr
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at column %d in %q", e.Msg, e.Pos+1, e.Expr)
}

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkIdent
	tkNumber
	tkString
	tkPunct // ( ) , . ? = + -
	tkOp    // < <= > >= == !=
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) describe() string {
	if t.kind == tkEOF {
		return "end of condition"
	}
	return strconv.Quote(t.text)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func isKeyword(s string) bool {
	switch s {
	case "self", "_", "not", "and", "as":
		return true
	}
	return false
}

func lex(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(expr) && (expr[i] == '_' || unicode.IsLetter(rune(expr[i])) || unicode.IsDigit(rune(expr[i]))) {
				i++
			}
			toks = append(toks, token{tkIdent, expr[start:i], start})
		case unicode.IsDigit(rune(c)) || (c == '.' && i+1 < len(expr) && unicode.IsDigit(rune(expr[i+1]))):
			start := i
			for i < len(expr) && (unicode.IsDigit(rune(expr[i])) || expr[i] == '.') {
				i++
			}
			if i < len(expr) && (expr[i] == 'e' || expr[i] == 'E') {
				i++
				if i < len(expr) && (expr[i] == '+' || expr[i] == '-') {
					i++
				}
				for i < len(expr) && unicode.IsDigit(rune(expr[i])) {
					i++
				}
			}
			toks = append(toks, token{tkNumber, expr[start:i], start})
		case c == '"' || c == '\'':
			start := i
			i++
			for i < len(expr) && expr[i] != c {
				i++
			}
			if i >= len(expr) {
				return nil, &SyntaxError{Expr: expr, Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{tkString, expr[start+1 : i], start})
			i++
		case strings.ContainsRune("<>=!", rune(c)):
			start := i
			i++
			if i < len(expr) && expr[i] == '=' {
				i++
			}
			text := expr[start:i]
			if text == "=" {
				toks = append(toks, token{tkPunct, text, start})
				continue
			}
			if text == "!" {
				return nil, &SyntaxError{Expr: expr, Pos: start, Msg: "unexpected \"!\""}
			}
			toks = append(toks, token{tkOp, text, start})
		case strings.ContainsRune("(),.?+-", rune(c)):
			toks = append(toks, token{tkPunct, string(c), i})
			i++
		default:
			return nil, &SyntaxError{Expr: expr, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tkEOF, pos: len(expr)})
	return toks, nil
}

type parser struct {
	expr string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}
func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

func (p *parser) is(kind tokenKind, text string) bool {
	t := p.peek()
	return t.kind == kind && t.text == text
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind tokenKind, text string) error {
	t := p.next()
	if t.kind != kind || t.text != text {
		return p.errorf(t, "expected %q, found %s", text, t.describe())
	}
	return nil
}

// Parse compiles a condition expression:
//
//	condition := clause { ("," | "and") clause }
//	clause    := [ "not" ] pattern | guard
//	pattern   := relation "(" args ")" [ "as" alias ]
//	args      := term [ "," term ] | name "=" term { "," name "=" term }
//	term      := "self" | "_" | "?" var | identifier | string
//	guard     := operand ( "<" | "<=" | ">" | ">=" | "==" | "!=" ) operand
//	operand   := number | "confidence" | "original_confidence" | "area" | alias "." attribute
//
// A single positional term is the object, with self as subject. Named
// arguments are subject, object and category (an alias of object).
//
// Aliases must be bound by a positive pattern before a guard reads them.
func Parse(expr string) (All, error) {
	toks, err := lex(expr)
	if err != nil {
		return All{}, err
	}
	p := &parser{expr: expr, toks: toks}
	if p.peek().kind == tkEOF {
		return All{}, p.errorf(p.peek(), "empty condition")
	}

	var cond All
	for {
		c, err := p.clause()
		if err != nil {
			return All{}, err
		}
		cond.Clauses = append(cond.Clauses, c)

		if p.is(tkPunct, ",") || p.is(tkIdent, "and") {
			p.next()
			continue
		}
		if t := p.peek(); t.kind != tkEOF {
			return All{}, p.errorf(t, "unexpected %s", t.describe())
		}
		break
	}

	if err := p.checkAliases(cond); err != nil {
		return All{}, err
	}
	return cond, nil
}

func (p *parser) clause() (Condition, error) {
	t := p.peek()
	if t.kind == tkIdent && t.text == "not" {
		p.next()
		if p.peek().kind != tkIdent || !(p.peekAt(1).kind == tkPunct && p.peekAt(1).text == "(") {
			return nil, p.errorf(p.peek(), "expected pattern after \"not\"")
		}
		pat, err := p.pattern()
		if err != nil {
			return nil, err
		}
		if pat.Alias != "" {
			return nil, p.errorf(t, "negated pattern %s cannot have an alias", pat.Relation)
		}
		pat.Negated = true
		return pat, nil
	}
	if t.kind == tkIdent && p.peekAt(1).kind == tkPunct && p.peekAt(1).text == "(" {
		return p.pattern()
	}
	return p.guard()
}

func (p *parser) pattern() (Pattern, error) {
	name := p.next()
	if isKeyword(name.text) {
		return Pattern{}, p.errorf(name, "%q is not a relation name", name.text)
	}
	pat := Pattern{Relation: name.text, Subject: Arg{Kind: ArgSelf}}
	if err := p.expect(tkPunct, "("); err != nil {
		return Pattern{}, err
	}

	var positional []Arg
	named := make(map[string]Arg)
	for !p.is(tkPunct, ")") {
		if len(positional)+len(named) > 0 {
			if err := p.expect(tkPunct, ","); err != nil {
				return Pattern{}, err
			}
		}
		t := p.peek()
		if t.kind == tkIdent && p.peekAt(1).kind == tkPunct && p.peekAt(1).text == "=" {
			p.next()
			p.next()
			key := t.text
			if key == "category" {
				key = "object"
			}
			if key != "subject" && key != "object" {
				return Pattern{}, p.errorf(t, "unknown argument name %q", t.text)
			}
			if _, dup := named[key]; dup {
				return Pattern{}, p.errorf(t, "argument %q given twice", key)
			}
			a, err := p.arg()
			if err != nil {
				return Pattern{}, err
			}
			named[key] = a
			continue
		}
		a, err := p.arg()
		if err != nil {
			return Pattern{}, err
		}
		positional = append(positional, a)
	}
	closing := p.next()

	switch {
	case len(named) > 0 && len(positional) > 0:
		return Pattern{}, p.errorf(closing, "cannot mix named and positional arguments in %s", pat.Relation)
	case len(named) > 0:
		if a, ok := named["subject"]; ok {
			pat.Subject = a
		}
		a, ok := named["object"]
		if !ok {
			return Pattern{}, p.errorf(closing, "%s needs an object or category argument", pat.Relation)
		}
		pat.Object = a
	case len(positional) == 1:
		pat.Object = positional[0]
	case len(positional) == 2:
		pat.Subject, pat.Object = positional[0], positional[1]
	default:
		return Pattern{}, p.errorf(closing, "%s takes 1 or 2 arguments, got %d", pat.Relation, len(positional))
	}

	if p.is(tkIdent, "as") {
		p.next()
		alias := p.next()
		if alias.kind != tkIdent || isKeyword(alias.text) || isOperandKeyword(alias.text) {
			return Pattern{}, p.errorf(alias, "invalid alias %s", alias.describe())
		}
		pat.Alias = alias.text
	}
	return pat, nil
}

func (p *parser) arg() (Arg, error) {
	t := p.next()
	switch {
	case t.kind == tkIdent && t.text == "self":
		return Arg{Kind: ArgSelf}, nil
	case t.kind == tkIdent && t.text == "_":
		return Arg{Kind: ArgAny}, nil
	case t.kind == tkPunct && t.text == "?":
		v := p.next()
		if v.kind != tkIdent || isKeyword(v.text) {
			return Arg{}, p.errorf(v, "expected variable name after \"?\"")
		}
		return Arg{Kind: ArgVar, Name: v.text}, nil
	case t.kind == tkIdent && !isKeyword(t.text):
		return Arg{Kind: ArgConst, Name: t.text}, nil
	case t.kind == tkString:
		if t.text == "" {
			return Arg{}, p.errorf(t, "empty name")
		}
		return Arg{Kind: ArgConst, Name: t.text}, nil
	}
	return Arg{}, p.errorf(t, "expected argument, found %s", t.describe())
}

func isOperandKeyword(s string) bool {
	return s == "confidence" || s == "original_confidence" || s == "area"
}

func (p *parser) guard() (Guard, error) {
	left, err := p.operand()
	if err != nil {
		return Guard{}, err
	}
	opTok := p.next()
	if opTok.kind != tkOp {
		return Guard{}, p.errorf(opTok, "expected comparison operator, found %s", opTok.describe())
	}
	right, err := p.operand()
	if err != nil {
		return Guard{}, err
	}
	return Guard{Left: left, Op: CompareOp(opTok.text), Right: right}, nil
}

func (p *parser) operand() (Operand, error) {
	t := p.next()
	switch {
	case t.kind == tkPunct && (t.text == "-" || t.text == "+"):
		n := p.next()
		if n.kind != tkNumber {
			return Operand{}, p.errorf(n, "expected number after %q", t.text)
		}
		v, err := strconv.ParseFloat(t.text+n.text, 64)
		if err != nil {
			return Operand{}, p.errorf(n, "invalid number %q", n.text)
		}
		return Operand{Kind: OperandNumber, Value: v}, nil
	case t.kind == tkNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Operand{}, p.errorf(t, "invalid number %q", t.text)
		}
		return Operand{Kind: OperandNumber, Value: v}, nil
	case t.kind == tkIdent && p.is(tkPunct, "."):
		p.next()
		attr := p.next()
		if attr.kind != tkIdent {
			return Operand{}, p.errorf(attr, "expected attribute name after %q", t.text+".")
		}
		return Operand{Kind: OperandAttr, Alias: t.text, Attr: attr.text}, nil
	case t.kind == tkIdent && t.text == "confidence":
		return Operand{Kind: OperandConfidence}, nil
	case t.kind == tkIdent && t.text == "original_confidence":
		return Operand{Kind: OperandOriginal}, nil
	case t.kind == tkIdent && t.text == "area":
		return Operand{Kind: OperandArea}, nil
	}
	return Operand{}, p.errorf(t, "unknown operand %s", t.describe())
}

func (p *parser) checkAliases(cond All) error {
	bound := make(map[string]bool)
	for _, c := range cond.Clauses {
		switch n := c.(type) {
		case Pattern:
			if n.Alias == "" {
				continue
			}
			if bound[n.Alias] {
				return &SyntaxError{Expr: p.expr, Msg: fmt.Sprintf("alias %q bound twice", n.Alias)}
			}
			bound[n.Alias] = true
		case Guard:
			for _, o := range []Operand{n.Left, n.Right} {
				if o.Kind == OperandAttr && !bound[o.Alias] {
					return &SyntaxError{Expr: p.expr, Msg: fmt.Sprintf("alias %q used before it is bound", o.Alias)}
				}
			}
		}
	}
	return nil
}
