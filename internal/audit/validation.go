package audit

import (
	"encoding/json"
	"fmt"
)

func validateEntry(e Entry) error {
	if e.InvocationID == "" {
		return fmt.Errorf("invocation_id cannot be empty")
	}

	if len(e.Request) == 0 {
		return fmt.Errorf("request cannot be empty")
	}

	if !json.Valid(e.Request) {
		return fmt.Errorf("request must be valid JSON")
	}

	if !isValidDecision(e.Decision) {
		return fmt.Errorf("invalid decision: %s", e.Decision)
	}

	if e.Decision != DecisionSigned && e.Reason == "" {
		return fmt.Errorf("reason cannot be empty for %s entries", e.Decision)
	}

	return nil
}

func isValidDecision(d Decision) bool {
	return d == DecisionSigned || d == DecisionDenied || d == DecisionFailed
}
