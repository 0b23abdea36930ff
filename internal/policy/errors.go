package policy

import "fmt"

// DeniedError is the expected, user-facing denial. Not a bug: it carries the
// action, a synthesized human-readable reason, and the risk score for the
// gateway to translate into a response.
type DeniedError struct {
	Action    string
	Reason    string
	RiskScore int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("action %q denied: %s (risk %d)", e.Action, e.Reason, e.RiskScore)
}

// EvaluationError marks a transport or parse failure talking to the policy
// engine. Treated as a denial (fail-closed) but recorded distinctly so
// "denied by policy" and "policy unreachable" stay separable in audit output.
type EvaluationError struct {
	Action string
	Cause  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("policy evaluation for %q failed: %s", e.Action, e.Cause)
}
