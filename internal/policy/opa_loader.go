package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultRegoQuery = "data.ability.allow"

type OPALoader struct{}

// OPAEvaluator holds a prepared Rego query. The query result is either a
// boolean or an object with a boolean "allow" field; undefined denies.
type OPAEvaluator struct {
	policyPath string
	query      string
	prepared   rego.PreparedEvalQuery
}

func NewOPALoader() *OPALoader {
	return &OPALoader{}
}

func (l *OPALoader) LoadFromFile(ctx context.Context, path, query string) (*OPAEvaluator, error) {
	if query == "" {
		query = defaultRegoQuery
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.Load([]string{path}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", path, err)
	}

	return &OPAEvaluator{policyPath: path, query: query, prepared: prepared}, nil
}

type regoResult struct {
	Query  string `json:"query"`
	Output any    `json:"output,omitempty"`
}

func (e *OPAEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input, err := newDocument(in).asMap()
	if err != nil {
		return Decision{}, fmt.Errorf("build input: %w", err)
	}

	rs, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Allow: false, Result: regoResult{Query: e.query}}, nil
	}

	value := rs[0].Expressions[0].Value
	switch v := value.(type) {
	case bool:
		return Decision{Allow: v, Result: regoResult{Query: e.query}}, nil
	case map[string]any:
		allow, ok := v["allow"].(bool)
		if !ok {
			return Decision{}, fmt.Errorf("query %s returned an object without a boolean allow", e.query)
		}
		return Decision{Allow: allow, Result: regoResult{Query: e.query, Output: v}}, nil
	default:
		return Decision{}, fmt.Errorf("query %s returned %T, want bool", e.query, value)
	}
}

func (e *OPAEvaluator) Close() error {
	return nil
}
