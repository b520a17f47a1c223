package policy

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/cel-go/cel"
)

// NewCELEnv declares the variables visible to CEL policies.
func NewCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("chain_id", cel.IntType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("value_wei", cel.StringType),
		cel.Variable("native_out", cel.DoubleType),
		cel.Variable("targets", cel.ListType(cel.StringType)),
		cel.CrossTypeNumericComparisons(true),
	)
}

// CELPolicy allows the request when its boolean expression evaluates to true.
type CELPolicy struct {
	expression string
	prg        cel.Program
}

func NewCELPolicy(env *cel.Env, expression string) (*CELPolicy, error) {
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	return &CELPolicy{expression: expression, prg: prg}, nil
}

type celResult struct {
	Expression string `json:"expression"`
}

func (p *CELPolicy) Evaluate(ctx context.Context, in Input) (Decision, error) {
	out, _, err := p.prg.ContextEval(ctx, celVariables(in))
	if err != nil {
		return Decision{}, fmt.Errorf("eval: %w", err)
	}

	allow, ok := out.Value().(bool)
	if !ok {
		return Decision{}, fmt.Errorf("expression result is %T, not bool", out.Value())
	}

	return Decision{Allow: allow, Result: celResult{Expression: p.expression}}, nil
}

func celVariables(in Input) map[string]any {
	targets := make([]string, 0, len(in.Targets))
	for _, t := range in.Targets {
		targets = append(targets, strings.ToLower(t.Hex()))
	}

	var chainID int64
	if id := in.Request.ChainID(); id.IsInt64() {
		chainID = id.Int64()
	}

	value := in.Request.Value()

	return map[string]any{
		"kind":       string(in.Request.Kind()),
		"chain_id":   chainID,
		"from":       strings.ToLower(in.Request.Sender().Hex()),
		"to":         strings.ToLower(in.Request.Destination().Hex()),
		"value":      toFloat(value),
		"value_wei":  value.String(),
		"native_out": toFloat(nativeOutflow(in)),
		"targets":    targets,
	}
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
