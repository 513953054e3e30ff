package triage

import "fmt"

// DecisionAction is the verdict of the decision policy.
type DecisionAction string

const (
	DecisionAutoClose   DecisionAction = "auto_close"
	DecisionAssignHuman DecisionAction = "assign_human"
)

// Decision is a verdict with a human-readable explanation.
type Decision struct {
	Action    DecisionAction `json:"action"`
	Reasoning string         `json:"reasoning"`
}

// Decide auto-closes iff auto-close is enabled and confidence meets the
// threshold (inclusive). It is a pure function of its inputs.
func Decide(confidence float64, s Settings) Decision {
	if !s.AutoCloseEnabled {
		return Decision{
			Action:    DecisionAssignHuman,
			Reasoning: fmt.Sprintf("auto-close disabled; confidence %.2f routed to a human", confidence),
		}
	}
	if confidence >= s.ConfidenceThreshold {
		return Decision{
			Action:    DecisionAutoClose,
			Reasoning: fmt.Sprintf("confidence %.2f meets threshold %.2f", confidence, s.ConfidenceThreshold),
		}
	}
	return Decision{
		Action:    DecisionAssignHuman,
		Reasoning: fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, s.ConfidenceThreshold),
	}
}
