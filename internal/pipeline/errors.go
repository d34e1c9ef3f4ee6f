package pipeline

import "errors"

var (
	// ErrMalformedAgentOutput marks an LLM response that did not parse
	// into the stage's expected schema.
	ErrMalformedAgentOutput = errors.New("malformed agent output")

	// ErrNotConverged is the terminal failure when max rounds are spent
	// without the verification score reaching the citation threshold.
	ErrNotConverged = errors.New("workflow did not converge")

	// ErrWorkflowNotFound is returned by status lookups for unknown ids.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrCapabilityUnavailable is returned when a required external
	// capability is missing at workflow start.
	ErrCapabilityUnavailable = errors.New("required capability unavailable")

	// ErrNoStandards is returned when neither the request nor the
	// standards catalog yields a standard set to evaluate.
	ErrNoStandards = errors.New("no standards to evaluate")
)

// errorClass buckets a stage error for metrics labels.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case isTimeout(err):
		return "timeout"
	case isMalformed(err):
		return "malformed"
	default:
		return "other"
	}
}
