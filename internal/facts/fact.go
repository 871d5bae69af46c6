// Package facts holds the per-image fact table that rules are matched against.
//
// Facts are ground statements relation(subject, object) carrying numeric
// attributes. Subjects and objects are either detections, referenced by their
// local index, or category names. A Base is an append-only arena: facts are
// never retracted, and once sealed the table is sorted into a canonical order
// so that matching never depends on insertion or map iteration order.
package facts

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// TermKind distinguishes category terms from detection terms.
type TermKind int

const (
	Category TermKind = iota
	Detection
)

// Term is a fact argument.
type Term struct {
	Kind  TermKind
	Index int    // detection index, for Detection terms
	Name  string // category name, for Category terms
}

// Det returns the term for the detection with local index idx.
func Det(idx int) Term { return Term{Kind: Detection, Index: idx} }

// Cat returns the term for a category or zone name.
func Cat(name string) Term { return Term{Kind: Category, Name: name} }

func (t Term) String() string {
	if t.Kind == Detection {
		return "det_" + strconv.Itoa(t.Index)
	}
	return t.Name
}

// Less orders categories before detections, then by name or index.
func (t Term) Less(o Term) bool {
	if t.Kind != o.Kind {
		return t.Kind < o.Kind
	}
	if t.Kind == Detection {
		return t.Index < o.Index
	}
	return t.Name < o.Name
}

// Fact is one ground statement.
type Fact struct {
	Relation string
	Subject  Term
	Object   Term
	Attrs    map[string]float64
}

// Attr returns the named attribute.
func (f Fact) Attr(name string) (float64, bool) {
	v, ok := f.Attrs[name]
	return v, ok
}

func (f Fact) String() string {
	return fmt.Sprintf("%s(%s, %s)", f.Relation, f.Subject, f.Object)
}

func (f Fact) attrKeys() []string {
	keys := make([]string, 0, len(f.Attrs))
	for k := range f.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func factLess(a, b Fact) bool {
	if a.Relation != b.Relation {
		return a.Relation < b.Relation
	}
	if a.Subject != b.Subject {
		return a.Subject.Less(b.Subject)
	}
	if a.Object != b.Object {
		return a.Object.Less(b.Object)
	}
	ka, kb := a.attrKeys(), b.attrKeys()
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
		if va, vb := a.Attrs[ka[i]], b.Attrs[kb[i]]; va != vb {
			return va < vb
		}
	}
	return len(ka) < len(kb)
}

// ErrSealed is returned by Append once the base has been sealed.
var ErrSealed = errors.New("fact base is sealed")

type subjectKey struct {
	relation string
	subject  Term
}

// Base is the fact arena for one image.
type Base struct {
	facts      []Fact
	byRelation map[string][]int
	bySubject  map[subjectKey][]int
	sealed     bool
}

// NewBase returns an empty, unsealed base.
func NewBase() *Base {
	return &Base{
		byRelation: make(map[string][]int),
		bySubject:  make(map[subjectKey][]int),
	}
}

// Append adds f to the arena.
func (b *Base) Append(f Fact) error {
	if b.sealed {
		return ErrSealed
	}
	if f.Relation == "" {
		return fmt.Errorf("fact has no relation")
	}
	b.facts = append(b.facts, f)
	b.index(len(b.facts) - 1)
	return nil
}

func (b *Base) index(i int) {
	f := b.facts[i]
	b.byRelation[f.Relation] = append(b.byRelation[f.Relation], i)
	k := subjectKey{f.Relation, f.Subject}
	b.bySubject[k] = append(b.bySubject[k], i)
}

// Seal sorts the arena into canonical order and rejects further appends.
// Sealing twice is a no-op.
func (b *Base) Seal() *Base {
	if b.sealed {
		return b
	}
	sort.SliceStable(b.facts, func(i, j int) bool { return factLess(b.facts[i], b.facts[j]) })
	b.byRelation = make(map[string][]int)
	b.bySubject = make(map[subjectKey][]int)
	for i := range b.facts {
		b.index(i)
	}
	b.sealed = true
	return b
}

// Sealed reports whether Seal has been called.
func (b *Base) Sealed() bool { return b.sealed }

// Len returns the number of facts.
func (b *Base) Len() int { return len(b.facts) }

// All returns the facts in arena order. The slice must not be modified.
func (b *Base) All() []Fact { return b.facts }

// Match returns the facts of relation whose subject and object equal the given
// terms; a nil term matches anything. Results follow arena order, which is
// canonical once the base is sealed.
func (b *Base) Match(relation string, subject, object *Term) []Fact {
	var idx []int
	if subject != nil {
		idx = b.bySubject[subjectKey{relation, *subject}]
	} else {
		idx = b.byRelation[relation]
	}
	out := make([]Fact, 0, len(idx))
	for _, i := range idx {
		f := b.facts[i]
		if object != nil && f.Object != *object {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Relations returns the distinct relation names present, sorted.
func (b *Base) Relations() []string {
	out := make([]string, 0, len(b.byRelation))
	for r := range b.byRelation {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
