package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagbolade/ability-sidecar/internal/params"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

// Input is what every policy sees: the normalized request plus what the
// decoder and simulator learned about it.
type Input struct {
	Request params.Request
	Targets []common.Address
	Changes []simulation.Change
}

// Decision is a single policy's answer. Result is the policy's own payload
// and must be JSON-serializable.
type Decision struct {
	Allow  bool
	Result any
}

// Policy must not have side effects beyond producing its decision.
type Policy interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// Entry binds a policy to the id it is reported under.
type Entry struct {
	ID     string
	Type   string
	Policy Policy
}

// Verdict is the recorded outcome of one evaluated policy.
type Verdict struct {
	PolicyID string          `json:"policyId"`
	Allow    bool            `json:"allow"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// EvaluationContext aggregates the verdicts of one evaluation. Allow is true
// iff every evaluated policy allowed; DeniedPolicy is the first denial in
// declaration order and nothing after it is evaluated.
type EvaluationContext struct {
	EvaluatedPolicies []string           `json:"evaluatedPolicies"`
	Allow             bool               `json:"allow"`
	AllowedPolicies   map[string]Verdict `json:"allowedPolicies,omitempty"`
	DeniedPolicy      *Verdict           `json:"deniedPolicy,omitempty"`
}

// EvaluationError reports a policy that failed to produce a decision.
type EvaluationError struct {
	PolicyID string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("policy %s: %v", e.PolicyID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Evaluator evaluates requests against the active policy table.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (EvaluationContext, error)
	Policies() []string
	Reload() error
	Close() error
}
