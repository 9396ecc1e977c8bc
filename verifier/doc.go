// Package verifier implements the rule engine that decides whether a scanned
// code is valid.
//
// A Verifier holds an ordered list of rules. Each rule declares the values it
// needs (a field of the code snapshot, a literal, or the scan mode) and a
// Validate predicate over those values. Rules run strictly in order:
//
//   - ActionComplete stops evaluation with a "valid" verdict
//   - ActionBreak stops evaluation with a "not_valid" verdict and the rule's message
//   - any other action moves on to the next rule
//
// A rule list in which no rule decides is a policy error and Verify reports it
// as ErrUndecided instead of picking a verdict.
//
// Rules can be written in Go or loaded from a YAML policy with LoadPolicy.
package verifier
