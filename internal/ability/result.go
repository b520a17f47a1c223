package ability

import (
	"github.com/dagbolade/ability-sidecar/internal/policy"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

// Outcome is the terminal state an invocation reached.
type Outcome string

const (
	OutcomeSigned  Outcome = "signed"
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
)

// Result is the typed answer of Precheck and Execute. Callers must treat
// Success as authoritative; Outcome and Stage only drive transport mapping.
type Result struct {
	Success      bool     `json:"success"`
	Result       any      `json:"result,omitempty"`
	Context      *Context `json:"context,omitempty"`
	RuntimeError string   `json:"runtimeError,omitempty"`

	Outcome Outcome `json:"-"`
	Stage   Stage   `json:"-"`
}

type Context struct {
	PoliciesContext   policy.EvaluationContext `json:"policiesContext"`
	SimulationChanges []simulation.Change      `json:"simulationChanges,omitempty"`
}

// ExecuteResult is the success payload of Execute.
type ExecuteResult struct {
	Signature         string              `json:"signature"`
	SimulationChanges []simulation.Change `json:"simulationChanges"`
	Digest            string              `json:"digest"`
	SignedTransaction string              `json:"signedTransaction,omitempty"`
}

type ErrorResult struct {
	Error string `json:"error"`
	Stage Stage  `json:"stage,omitempty"`
}
