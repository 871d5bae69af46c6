package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition is a node of a rule's condition tree. The concrete types are All,
// Pattern and Guard.
type Condition interface {
	fmt.Stringer
	condition()
}

// All is a conjunction; it holds when every clause holds under one binding.
type All struct {
	Clauses []Condition
}

// ArgKind distinguishes the argument forms of a pattern.
type ArgKind int

const (
	// ArgSelf is the detection the rule is evaluated for.
	ArgSelf ArgKind = iota
	// ArgAny matches any term and binds nothing.
	ArgAny
	// ArgVar binds a variable on first use and must match thereafter.
	ArgVar
	// ArgConst is a category or zone name.
	ArgConst
)

// Arg is a pattern argument.
type Arg struct {
	Kind ArgKind
	Name string // variable or constant name
}

func (a Arg) String() string {
	switch a.Kind {
	case ArgSelf:
		return "self"
	case ArgAny:
		return "_"
	case ArgVar:
		return "?" + a.Name
	}
	if isIdent(a.Name) && !isKeyword(a.Name) {
		return a.Name
	}
	return strconv.Quote(a.Name)
}

// Pattern matches a fact relation(subject, object). A negated pattern holds
// when no fact matches; it binds nothing.
type Pattern struct {
	Relation string
	Subject  Arg
	Object   Arg
	Negated  bool

	// Alias names the matched fact so guards can read its attributes.
	Alias string
}

// OperandKind distinguishes guard operands.
type OperandKind int

const (
	OperandNumber OperandKind = iota
	// OperandConfidence is the running confidence of the detection, including
	// the effect of rules that fired earlier.
	OperandConfidence
	// OperandOriginal is the confidence before any rule fired.
	OperandOriginal
	// OperandArea is the detection's area in square pixels.
	OperandArea
	// OperandAttr is an attribute of an aliased fact.
	OperandAttr
)

// Operand is one side of a guard.
type Operand struct {
	Kind  OperandKind
	Value float64
	Alias string
	Attr  string
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandConfidence:
		return "confidence"
	case OperandOriginal:
		return "original_confidence"
	case OperandArea:
		return "area"
	case OperandAttr:
		return o.Alias + "." + o.Attr
	}
	return strconv.FormatFloat(o.Value, 'g', -1, 64)
}

// CompareOp is a guard comparison.
type CompareOp string

const (
	Less         CompareOp = "<"
	LessEqual    CompareOp = "<="
	Greater      CompareOp = ">"
	GreaterEqual CompareOp = ">="
	Equal        CompareOp = "=="
	NotEqual     CompareOp = "!="
)

func (op CompareOp) apply(l, r float64) bool {
	switch op {
	case Less:
		return l < r
	case LessEqual:
		return l <= r
	case Greater:
		return l > r
	case GreaterEqual:
		return l >= r
	case Equal:
		return l == r
	case NotEqual:
		return l != r
	}
	return false
}

// Guard is a numeric comparison between two operands.
type Guard struct {
	Left  Operand
	Op    CompareOp
	Right Operand
}

func (All) condition()     {}
func (Pattern) condition() {}
func (Guard) condition()   {}

func (a All) String() string {
	parts := make([]string, len(a.Clauses))
	for i, c := range a.Clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

func (p Pattern) String() string {
	var sb strings.Builder
	if p.Negated {
		sb.WriteString("not ")
	}
	fmt.Fprintf(&sb, "%s(%s, %s)", p.Relation, p.Subject, p.Object)
	if p.Alias != "" {
		sb.WriteString(" as " + p.Alias)
	}
	return sb.String()
}

func (g Guard) String() string {
	return fmt.Sprintf("%s %s %s", g.Left, g.Op, g.Right)
}
