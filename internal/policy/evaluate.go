package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type outcome struct {
	verdict Verdict
	err     error
}

// Evaluate runs entries in declaration order and stops at the first denial.
// In parallel mode every policy runs concurrently and the context is
// assembled from the prefix up to the first denial, so the result is the
// same as the sequential one. A policy error is fatal unless an earlier
// policy already denied.
func Evaluate(ctx context.Context, entries []Entry, in Input, parallel bool) (EvaluationContext, error) {
	if parallel && len(entries) > 1 {
		return evaluateParallel(ctx, entries, in)
	}

	ec := newEvaluationContext()
	for _, entry := range entries {
		o := evaluateOne(ctx, entry, in)
		if done, err := ec.apply(o); done || err != nil {
			return ec, err
		}
	}
	return ec, nil
}

func evaluateParallel(ctx context.Context, entries []Entry, in Input) (EvaluationContext, error) {
	outcomes := make([]outcome, len(entries))

	var g errgroup.Group
	for i, entry := range entries {
		g.Go(func() error {
			outcomes[i] = evaluateOne(ctx, entry, in)
			return nil
		})
	}
	_ = g.Wait()

	ec := newEvaluationContext()
	for _, o := range outcomes {
		if done, err := ec.apply(o); done || err != nil {
			return ec, err
		}
	}
	return ec, nil
}

func newEvaluationContext() EvaluationContext {
	return EvaluationContext{
		EvaluatedPolicies: []string{},
		Allow:             true,
		AllowedPolicies:   make(map[string]Verdict),
	}
}

// apply folds one outcome into the context and reports whether evaluation is over.
func (ec *EvaluationContext) apply(o outcome) (bool, error) {
	if o.err != nil {
		return true, o.err
	}

	ec.EvaluatedPolicies = append(ec.EvaluatedPolicies, o.verdict.PolicyID)
	if o.verdict.Allow {
		ec.AllowedPolicies[o.verdict.PolicyID] = o.verdict
		return false, nil
	}

	v := o.verdict
	ec.Allow = false
	ec.DeniedPolicy = &v
	return true, nil
}

func evaluateOne(ctx context.Context, entry Entry, in Input) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: &EvaluationError{PolicyID: entry.ID, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	if err := ctx.Err(); err != nil {
		return outcome{err: &EvaluationError{PolicyID: entry.ID, Err: err}}
	}

	d, err := entry.Policy.Evaluate(ctx, in)
	if err != nil {
		return outcome{err: &EvaluationError{PolicyID: entry.ID, Err: err}}
	}

	var raw json.RawMessage
	if d.Result != nil {
		raw, err = json.Marshal(d.Result)
		if err != nil {
			return outcome{err: &EvaluationError{PolicyID: entry.ID, Err: fmt.Errorf("marshal result: %w", err)}}
		}
	}

	return outcome{verdict: Verdict{PolicyID: entry.ID, Allow: d.Allow, Result: raw}}
}
