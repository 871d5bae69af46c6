package rules

import (
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/facts"
	"github.com/ironsheep/detection-reasoner/internal/logging"
)

// Stats counts rule activity for one Apply call.
type Stats struct {
	Detections int            `json:"detections"`
	Evaluated  int            `json:"evaluated"`
	Fired      int            `json:"fired"`
	PerRule    map[string]int `json:"per_rule,omitempty"`
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.Detections += other.Detections
	s.Evaluated += other.Evaluated
	s.Fired += other.Fired
	for k, v := range other.PerRule {
		if s.PerRule == nil {
			s.PerRule = make(map[string]int)
		}
		s.PerRule[k] += v
	}
}

// Engine applies a RuleSet to detections. It holds no per-image state and is
// safe for concurrent use.
type Engine struct {
	rules  RuleSet
	logger log.FieldLogger
}

// NewEngine returns an engine for rs. A nil logger discards output.
func NewEngine(rs RuleSet, logger log.FieldLogger) *Engine {
	if rs.Clamp == "" {
		rs.Clamp = ClampFinal
	}
	return &Engine{rules: rs, logger: logging.OrDiscard(logger)}
}

// Rules returns the engine's rule set.
func (e *Engine) Rules() RuleSet { return e.rules }

// Apply evaluates every rule against every detection of set, in set order and
// rule declaration order. Each rule fires at most once per detection. The base
// is sealed first if needed so that matching follows canonical fact order;
// identical inputs always produce identical output.
func (e *Engine) Apply(set detection.Set, base *facts.Base) ([]detection.Adjusted, Stats) {
	if base == nil {
		base = facts.NewBase()
	}
	base.Seal()

	stats := Stats{Detections: set.Len()}
	out := make([]detection.Adjusted, 0, set.Len())
	for _, d := range set.Detections {
		adj := e.applyOne(d, base, &stats)
		out = append(out, adj)
	}
	return out, stats
}

func (e *Engine) applyOne(d detection.Detection, base *facts.Base, stats *Stats) detection.Adjusted {
	adj := detection.Unadjusted(d)
	running := d.Confidence
	env := evalEnv{base: base, self: facts.Det(d.Index), original: d.Confidence, area: d.Shape.Area()}

	for _, r := range e.rules.Rules {
		stats.Evaluated++
		env.confidence = clamp01(running)
		b, ok := env.solve(r.When.Clauses, 0, newBinding())
		if !ok {
			continue
		}
		running += r.Delta
		if e.rules.Clamp == ClampPerRule {
			running = clamp01(running)
		}
		just := justify(r, b)
		adj.AppliedRules = append(adj.AppliedRules, just)
		stats.Fired++
		if stats.PerRule == nil {
			stats.PerRule = make(map[string]int)
		}
		stats.PerRule[r.Name]++
		e.logger.WithFields(log.Fields{
			"image": d.ImageID,
			"index": d.Index,
			"rule":  r.Name,
		}).Debugf("rule fired: %s", just)
	}
	adj.AdjustedConfidence = clamp01(running)
	return adj
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

type binding struct {
	vars    map[string]facts.Term
	aliases map[string]facts.Fact
	// reads records alias attributes used by guards, for the justification.
	reads map[string]float64
}

func newBinding() binding {
	return binding{vars: map[string]facts.Term{}, aliases: map[string]facts.Fact{}, reads: map[string]float64{}}
}

func (b binding) clone() binding {
	c := binding{
		vars:    make(map[string]facts.Term, len(b.vars)),
		aliases: make(map[string]facts.Fact, len(b.aliases)),
		reads:   make(map[string]float64, len(b.reads)),
	}
	for k, v := range b.vars {
		c.vars[k] = v
	}
	for k, v := range b.aliases {
		c.aliases[k] = v
	}
	for k, v := range b.reads {
		c.reads[k] = v
	}
	return c
}

type evalEnv struct {
	base       *facts.Base
	self       facts.Term
	confidence float64
	original   float64
	area       float64
}

// solve finds the first binding, in canonical fact order, under which
// clauses[i:] all hold.
func (env *evalEnv) solve(clauses []Condition, i int, b binding) (binding, bool) {
	if i == len(clauses) {
		return b, true
	}
	switch c := clauses[i].(type) {
	case Guard:
		l, okL := env.operand(c.Left, b)
		r, okR := env.operand(c.Right, b)
		if !okL || !okR || !c.Op.apply(l, r) {
			return b, false
		}
		b = b.clone()
		for _, o := range []Operand{c.Left, c.Right} {
			if o.Kind == OperandAttr {
				v, _ := env.operand(o, b)
				b.reads[o.Alias+"."+o.Attr] = v
			}
		}
		return env.solve(clauses, i+1, b)

	case Pattern:
		subj, subjFixed := env.resolve(c.Subject, b)
		obj, objFixed := env.resolve(c.Object, b)
		var sp, op *facts.Term
		if subjFixed {
			sp = &subj
		}
		if objFixed {
			op = &obj
		}
		candidates := env.base.Match(c.Relation, sp, op)

		if c.Negated {
			for _, f := range candidates {
				if sameVarConsistent(c, f) {
					return b, false
				}
			}
			return env.solve(clauses, i+1, b)
		}

		for _, f := range candidates {
			if !sameVarConsistent(c, f) {
				continue
			}
			nb := b.clone()
			if c.Subject.Kind == ArgVar && !subjFixed {
				nb.vars[c.Subject.Name] = f.Subject
			}
			if c.Object.Kind == ArgVar && !objFixed {
				nb.vars[c.Object.Name] = f.Object
			}
			if c.Alias != "" {
				nb.aliases[c.Alias] = f
			}
			if res, ok := env.solve(clauses, i+1, nb); ok {
				return res, true
			}
		}
		return b, false

	case All:
		nested := append(append([]Condition{}, c.Clauses...), clauses[i+1:]...)
		return env.solve(nested, 0, b)
	}
	return b, false
}

// resolve returns the term an argument is fixed to under b, if any.
func (env *evalEnv) resolve(a Arg, b binding) (facts.Term, bool) {
	switch a.Kind {
	case ArgSelf:
		return env.self, true
	case ArgConst:
		return facts.Cat(a.Name), true
	case ArgVar:
		t, ok := b.vars[a.Name]
		return t, ok
	}
	return facts.Term{}, false
}

// sameVarConsistent rejects facts that bind one unbound variable used for
// both subject and object to two different terms.
func sameVarConsistent(p Pattern, f facts.Fact) bool {
	if p.Subject.Kind == ArgVar && p.Object.Kind == ArgVar && p.Subject.Name == p.Object.Name {
		return f.Subject == f.Object
	}
	return true
}

func (env *evalEnv) operand(o Operand, b binding) (float64, bool) {
	switch o.Kind {
	case OperandNumber:
		return o.Value, true
	case OperandConfidence:
		return env.confidence, true
	case OperandOriginal:
		return env.original, true
	case OperandArea:
		return env.area, true
	case OperandAttr:
		f, ok := b.aliases[o.Alias]
		if !ok {
			return 0, false
		}
		return f.Attr(o.Attr)
	}
	return 0, false
}

// justify renders "rule(?x=harbor, n.distance=12.5)": bound variables sorted
// by name, then guarded alias attributes sorted by name. A rule with neither
// is rendered as its bare name.
func justify(r Rule, b binding) string {
	var parts []string
	names := make([]string, 0, len(b.vars))
	for n := range b.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		parts = append(parts, "?"+n+"="+b.vars[n].String())
	}

	reads := make([]string, 0, len(b.reads))
	for k := range b.reads {
		reads = append(reads, k)
	}
	sort.Strings(reads)
	for _, k := range reads {
		parts = append(parts, k+"="+strconv.FormatFloat(b.reads[k], 'g', 6, 64))
	}

	if len(parts) == 0 {
		return r.Name
	}
	return r.Name + "(" + strings.Join(parts, ", ") + ")"
}
