package verifier

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Op is a comparison used by policy rules.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpLt Op = "lt"
	OpLe Op = "le"
	OpGt Op = "gt"
	OpGe Op = "ge"
	// OpIn holds when the first value equals any of the following ones.
	OpIn Op = "in"
)

// RuleSpec is the declarative form of a Rule.
//
//	- name: already-validated
//	  values:
//	    - {type: field, value: validations}
//	    - {type: literal, value: 1}
//	  op: ge
//	  then: break
//	  otherwise: continue
//	  message: El código ya fue validado.
type RuleSpec struct {
	Name      string  `yaml:"name"`
	Values    []Value `yaml:"values"`
	Op        Op      `yaml:"op"`
	Then      Action  `yaml:"then"`
	Otherwise Action  `yaml:"otherwise"`
	Message   string  `yaml:"message"`
}

// Policy is an ordered list of rule specs.
type Policy struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadPolicyFile reads a YAML policy from path.
func LoadPolicyFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy: %w", err)
	}
	defer f.Close()
	return LoadPolicy(f)
}

// LoadPolicy decodes a YAML policy and compiles it into rules.
func LoadPolicy(r io.Reader) ([]Rule, error) {
	var p Policy
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	rules := make([]Rule, 0, len(p.Rules))
	for i, rs := range p.Rules {
		rule, err := rs.Compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Compile turns s into a Rule. A rule without op always takes Then.
func (s RuleSpec) Compile() (Rule, error) {
	if !knownAction(s.Then) {
		return Rule{}, fmt.Errorf("unknown action %q", s.Then)
	}
	otherwise := s.Otherwise
	if otherwise == "" {
		otherwise = ActionContinue
	}
	if !knownAction(otherwise) {
		return Rule{}, fmt.Errorf("unknown action %q", otherwise)
	}
	for _, v := range s.Values {
		if v.Kind != KindField && v.Kind != KindLiteral && v.Kind != KindScanMode {
			return Rule{}, fmt.Errorf("unknown value type %q", v.Kind)
		}
	}
	if s.Op != "" {
		if !slices.Contains([]Op{OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn}, s.Op) {
			return Rule{}, fmt.Errorf("unknown op %q", s.Op)
		}
		if len(s.Values) < 2 {
			return Rule{}, fmt.Errorf("op %q needs at least two values", s.Op)
		}
	}
	then := Result{Action: s.Then, Message: s.Message}
	other := Result{Action: otherwise, Message: s.Message}
	op := s.Op
	return Rule{
		Name:   s.Name,
		Values: s.Values,
		Validate: func(values []any) Result {
			if op == "" {
				return then
			}
			if ok, _ := compare(op, values[0], values[1:]...); ok {
				return then
			}
			return other
		},
	}, nil
}

func knownAction(a Action) bool {
	return a == ActionComplete || a == ActionBreak || a == ActionContinue
}

// compare evaluates a op b. Numbers compare numerically, everything else by
// its string form. The error reports operands that cannot be ordered.
func compare(op Op, a any, bs ...any) (bool, error) {
	if len(bs) == 0 {
		return false, fmt.Errorf("missing operand")
	}
	if op == OpIn {
		for _, b := range bs {
			if ok, _ := compare(OpEq, a, b); ok {
				return true, nil
			}
		}
		return false, nil
	}
	b := bs[0]
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	var c int
	switch {
	case aNum && bNum:
		c = cmp.Compare(af, bf)
	case a == nil || b == nil:
		if op == OpEq {
			return a == nil && b == nil, nil
		}
		if op == OpNe {
			return !(a == nil && b == nil), nil
		}
		return false, fmt.Errorf("cannot order nil")
	default:
		c = cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	switch op {
	case OpEq:
		return c == 0, nil
	case OpNe:
		return c != 0, nil
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown op %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
