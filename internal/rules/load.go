package rules

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ironsheep/detection-reasoner/internal/config"
)

// ClampMode selects when confidence is clamped to [0, 1].
type ClampMode string

const (
	// ClampFinal sums every firing delta and clamps once.
	ClampFinal ClampMode = "final"
	// ClampPerRule clamps after each firing.
	ClampPerRule ClampMode = "per_rule"
)

// Rule is a condition and the confidence delta applied when it holds.
type Rule struct {
	Name        string
	When        All
	Delta       float64
	Description string

	// Source is the condition text as written.
	Source string
}

// RuleSet is an ordered, validated list of rules. Rules are applied in
// declaration order.
type RuleSet struct {
	Rules []Rule
	Clamp ClampMode
}

// Len returns the number of rules.
func (rs RuleSet) Len() int { return len(rs.Rules) }

type delta struct {
	value float64
	set   bool
}

// UnmarshalYAML accepts signed numbers such as "+0.1".
func (d *delta) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: delta must be a number", n.Line)
	}
	v, err := strconv.ParseFloat(n.Value, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("line %d: invalid delta %q", n.Line, n.Value)
	}
	d.value, d.set = v, true
	return nil
}

type ruleFile struct {
	Clamp ClampMode `yaml:"clamp"`
	Rules []struct {
		Name        string `yaml:"name"`
		When        string `yaml:"when"`
		Delta       delta  `yaml:"delta"`
		Description string `yaml:"description"`
	} `yaml:"rules"`
}

// Load reads a YAML rule file named source. Every problem is reported as a
// *config.Error: the file is rejected as a whole, never partially loaded.
func Load(r io.Reader, source string) (RuleSet, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return RuleSet{}, config.Wrap(source, fmt.Errorf("failed to parse rules: %w", err))
	}

	rs := RuleSet{Clamp: f.Clamp}
	switch rs.Clamp {
	case "":
		rs.Clamp = ClampFinal
	case ClampFinal, ClampPerRule:
	default:
		return RuleSet{}, config.Errorf(source, "unknown clamp mode %q", f.Clamp)
	}

	seen := make(map[string]bool)
	for i, raw := range f.Rules {
		if raw.Name == "" {
			return RuleSet{}, config.Errorf(source, "rule %d has no name", i+1)
		}
		where := fmt.Sprintf("%s: rule %s", source, raw.Name)
		if seen[raw.Name] {
			return RuleSet{}, config.Errorf(where, "duplicate rule name")
		}
		seen[raw.Name] = true
		if !raw.Delta.set {
			return RuleSet{}, config.Errorf(where, "missing delta")
		}
		cond, err := Parse(raw.When)
		if err != nil {
			return RuleSet{}, config.Wrap(where, err)
		}
		rs.Rules = append(rs.Rules, Rule{
			Name:        raw.Name,
			When:        cond,
			Delta:       raw.Delta.value,
			Description: raw.Description,
			Source:      raw.When,
		})
	}
	return rs, nil
}

// LoadFile reads a rule file from disk.
func LoadFile(path string) (RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return RuleSet{}, config.Wrap(path, fmt.Errorf("failed to open rules: %w", err))
	}
	defer f.Close()
	return Load(f, path)
}

// New builds a RuleSet from already parsed rules, checking names.
func New(clamp ClampMode, rules ...Rule) (RuleSet, error) {
	if clamp == "" {
		clamp = ClampFinal
	}
	if clamp != ClampFinal && clamp != ClampPerRule {
		return RuleSet{}, config.Errorf("rules", "unknown clamp mode %q", clamp)
	}
	seen := make(map[string]bool)
	for _, r := range rules {
		if r.Name == "" || seen[r.Name] {
			return RuleSet{}, config.Errorf("rules", "missing or duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return RuleSet{Rules: rules, Clamp: clamp}, nil
}

// MustParse is Parse for conditions known to be valid, such as in tests.
func MustParse(expr string) All {
	c, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return c
}
