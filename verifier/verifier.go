package verifier

import (
	"errors"
	"fmt"

	"github.com/luca-patrignani/code-votation/domain/code"
)

// Verification is the outcome of evaluating a code.
type Verification string

const (
	Valid    Verification = "valid"
	NotValid Verification = "not_valid"
)

// Action tells the engine what to do after a rule ran.
type Action string

const (
	ActionComplete Action = "complete"
	ActionBreak    Action = "break"
	ActionContinue Action = "continue"
)

// ValueKind tells the engine where a rule value comes from.
type ValueKind string

const (
	KindField    ValueKind = "field"
	KindLiteral  ValueKind = "literal"
	KindScanMode ValueKind = "scan_mode"
)

const validMessage = "The code is valid"

// ErrUndecided is returned when every rule let the evaluation continue.
var ErrUndecided = errors.New("no rule decided the verification")

// Value describes one input of a rule.
// For KindField, Value holds the field name; for KindLiteral, the constant.
type Value struct {
	Kind  ValueKind `yaml:"type" json:"type"`
	Value any       `yaml:"value" json:"value"`
}

// Field is a Value read from the code snapshot.
func Field(name string) Value { return Value{Kind: KindField, Value: name} }

// Literal is a constant Value.
func Literal(v any) Value { return Value{Kind: KindLiteral, Value: v} }

// ScanMode is the Value supplied by the caller of Verify.
func ScanMode() Value { return Value{Kind: KindScanMode} }

// Result is what a rule returns.
type Result struct {
	Action  Action
	Message string
}

// Rule is a single step of a verification policy.
type Rule struct {
	Name     string
	Values   []Value
	Validate func(values []any) Result
}

// Verdict is the outcome of Verify.
type Verdict struct {
	Verification Verification `json:"verification"`
	Message      string       `json:"message"`
}

// Verifier evaluates an ordered list of rules. It has no side effects and is
// safe for concurrent use once built.
type Verifier struct {
	rules []Rule
}

// New returns a Verifier evaluating rules in the given order.
func New(rules ...Rule) *Verifier {
	return &Verifier{rules: append([]Rule(nil), rules...)}
}

// Rules returns the number of rules of the policy.
func (v *Verifier) Rules() int {
	return len(v.rules)
}

// Verify runs the rules against c. It returns ErrUndecided when no rule
// completes or breaks the evaluation.
func (v *Verifier) Verify(c code.Code, scanMode string) (Verdict, error) {
	for _, rule := range v.rules {
		values := make([]any, 0, len(rule.Values))
		for _, val := range rule.Values {
			switch val.Kind {
			case KindField:
				name, _ := val.Value.(string)
				values = append(values, c.Field(name))
			case KindLiteral:
				values = append(values, val.Value)
			case KindScanMode:
				values = append(values, scanMode)
			default:
				return Verdict{}, fmt.Errorf("rule %q: unknown value type %q", rule.Name, val.Kind)
			}
		}
		result := rule.Validate(values)
		switch result.Action {
		case ActionComplete:
			return Verdict{Verification: Valid, Message: validMessage}, nil
		case ActionBreak:
			return Verdict{Verification: NotValid, Message: result.Message}, nil
		}
	}
	return Verdict{}, ErrUndecided
}

// AlreadyValidatedMessage is reported when a code is scanned again.
const AlreadyValidatedMessage = "El código ya fue validado."

// DefaultRules rejects codes that were already validated once and accepts
// everything else.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "already-validated",
			Values: []Value{Field("validations"), Literal(1)},
			Validate: func(values []any) Result {
				if ok, _ := compare(OpGe, values[0], values[1]); ok {
					return Result{Action: ActionBreak, Message: AlreadyValidatedMessage}
				}
				return Result{Action: ActionContinue}
			},
		},
		{
			Name: "accept",
			Validate: func([]any) Result {
				return Result{Action: ActionComplete}
			},
		},
	}
}
