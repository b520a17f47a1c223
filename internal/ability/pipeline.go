package ability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/dagbolade/ability-sidecar/internal/assetcheck"
	"github.com/dagbolade/ability-sidecar/internal/audit"
	"github.com/dagbolade/ability-sidecar/internal/decoder"
	"github.com/dagbolade/ability-sidecar/internal/params"
	"github.com/dagbolade/ability-sidecar/internal/policy"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

// invocation carries what each step learned about one request.
type invocation struct {
	id   string
	mode Mode
	raw  []byte

	parsed     bool
	req        params.Request
	chainID    uint64
	entryPoint common.Address

	decoded  decoder.Result
	sim      simulation.Result
	policies policy.EvaluationContext
}

type step struct {
	name string
	run  func(ctx context.Context, inv *invocation) error
}

func (a *Ability) steps() []step {
	return []step{
		{"parse", a.parse},
		{"decode", a.decode},
		{"simulate", a.simulate},
		{"validate", a.validate},
		{"policies", a.evaluate},
	}
}

func (a *Ability) run(ctx context.Context, mode Mode, raw []byte) (res Result) {
	inv := &invocation{id: a.newID(), mode: mode, raw: raw}

	ctx, span := a.tracer.Start(ctx, "ability."+string(mode))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("invocation_id", inv.id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("ability pipeline panicked")
			res = a.finish(ctx, inv, failure(inv, &StageError{Stage: StageInternal, Err: fmt.Errorf("internal error: %v", r)}))
		}
		span.SetAttributes(
			attribute.String("ability.mode", string(mode)),
			attribute.String("ability.outcome", string(res.Outcome)),
		)
		if !res.Success {
			span.SetStatus(codes.Error, string(res.Outcome))
		}
	}()

	for _, s := range a.steps() {
		if err := a.runStep(ctx, s, inv); err != nil {
			return a.finish(ctx, inv, failure(inv, err))
		}
	}

	if !inv.policies.Allow {
		return a.finish(ctx, inv, denial(inv))
	}

	if mode == ModePrecheck {
		return a.finish(ctx, inv, Result{
			Success: true,
			Context: inv.context(),
			Outcome: OutcomeAllowed,
		})
	}

	return a.finish(ctx, inv, a.sign(ctx, inv))
}

func (a *Ability) runStep(ctx context.Context, s step, inv *invocation) error {
	ctx, span := a.tracer.Start(ctx, s.name)
	defer span.End()

	err := s.run(ctx, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Ability) parse(_ context.Context, inv *invocation) error {
	req, err := a.schema.Parse(inv.raw)
	if err != nil {
		return stageErr(StageSchema, err)
	}

	if !req.ChainID().IsUint64() || !a.chains.Supported(req.ChainID().Uint64()) {
		return stageErr(StageSchema, fmt.Errorf("chain %s is not supported", req.ChainID()))
	}

	inv.req = req
	inv.parsed = true
	inv.chainID = req.ChainID().Uint64()

	if req.Kind() != params.KindUserOperation {
		return nil
	}

	if ep, ok := req.EntryPoint(); ok {
		if !a.chains.IsRelay(inv.chainID, ep) {
			return stageErr(StageSchema, fmt.Errorf("entry point %s is not known on chain %d", ep.Hex(), inv.chainID))
		}
		inv.entryPoint = ep
		return nil
	}

	ep, ok := a.chains.EntryPoint(inv.chainID)
	if !ok {
		return stageErr(StageSchema, fmt.Errorf("chain %d has no entry point", inv.chainID))
	}
	inv.entryPoint = ep
	return nil
}

func (a *Ability) decode(_ context.Context, inv *invocation) error {
	inv.decoded = a.decoder.Decode(inv.req.Destination(), inv.req.CallData(), inv.chainID)
	if !inv.decoded.OK {
		return stageErr(StageDecode, errors.New(strings.Join(inv.decoded.Reasons, "; ")))
	}
	return nil
}

func (a *Ability) simulate(ctx context.Context, inv *invocation) error {
	sim, err := a.simulator.Simulate(ctx, inv.req, inv.entryPoint)
	if err != nil {
		return stageErr(StageSimulation, err)
	}
	inv.sim = sim
	if sim.Error != nil {
		return stageErr(StageSimulation, sim.Error)
	}
	return nil
}

func (a *Ability) validate(_ context.Context, inv *invocation) error {
	allow := assetcheck.BuildAllowList(inv.req.Destination(), inv.decoded.Targets, a.chains.Relays(inv.chainID))
	return stageErr(StageValidation, assetcheck.Validate(inv.sim, inv.req.Sender(), allow))
}

func (a *Ability) evaluate(ctx context.Context, inv *invocation) error {
	ec, err := a.policies.Evaluate(ctx, policy.Input{
		Request: inv.req,
		Targets: inv.decoded.Targets,
		Changes: inv.sim.Changes,
	})
	if err != nil {
		return stageErr(StagePolicy, err)
	}
	inv.policies = ec
	return nil
}

func (inv *invocation) context() *Context {
	return &Context{
		PoliciesContext:   inv.policies,
		SimulationChanges: inv.sim.Changes,
	}
}

func failure(inv *invocation, err error) Result {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: StageInternal, Err: err}
	}

	res := Result{Success: false, Outcome: OutcomeFailed, Stage: se.Stage}
	if se.Stage == StageSigning {
		res.RuntimeError = se.Err.Error()
		res.Context = inv.context()
		return res
	}

	res.Result = ErrorResult{Error: se.Err.Error(), Stage: se.Stage}
	return res
}

// denial is a policy saying no: not an error. Precheck reports it as a
// successful answer, Execute as an unsuccessful one.
func denial(inv *invocation) Result {
	return Result{
		Success: inv.mode == ModePrecheck,
		Context: inv.context(),
		Outcome: OutcomeDenied,
		Stage:   StagePolicy,
	}
}

// finish logs the terminal state and, for Execute, writes the audit entry and
// usage record. Bookkeeping failures and panics never change the result.
func (a *Ability) finish(ctx context.Context, inv *invocation, res Result) Result {
	a.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(inv.mode)),
		attribute.String("outcome", string(res.Outcome)),
	))

	a.logOutcome(inv, res)

	if inv.mode == ModeExecute {
		a.record(context.WithoutCancel(ctx), inv, res)
	}
	return res
}

// record writes the audit entry and usage of an Execute on a context the
// caller cannot cancel. Each write contains its own panics, since record may
// be reached from the pipeline's recover.
func (a *Ability) record(ctx context.Context, inv *invocation, res Result) {
	if a.audit != nil {
		guard(inv, "audit logging", func() error {
			return a.audit.Log(ctx, inv.auditEntry(res))
		})
	}

	if a.usage != nil && res.Outcome == OutcomeSigned {
		guard(inv, "usage recording", func() error {
			return a.usage.Record(ctx, inv.chainID, inv.req.Sender(), a.now())
		})
	}
}

func guard(inv *invocation, what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("invocation_id", inv.id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg(what + " panicked")
		}
	}()

	if err := fn(); err != nil {
		log.Warn().Err(err).Str("invocation_id", inv.id).Msg(what + " failed")
	}
}

func (a *Ability) logOutcome(inv *invocation, res Result) {
	ev := log.Debug()
	if inv.mode == ModeExecute {
		switch res.Outcome {
		case OutcomeFailed:
			ev = log.Warn()
		default:
			ev = log.Info()
		}
	}

	ev = ev.Str("invocation_id", inv.id).
		Str("mode", string(inv.mode)).
		Str("outcome", string(res.Outcome))

	if inv.parsed {
		ev = ev.Uint64("chain_id", inv.chainID).
			Str("kind", string(inv.req.Kind())).
			Str("sender", inv.req.Sender().Hex())
	}
	if d := inv.policies.DeniedPolicy; d != nil {
		ev = ev.Str("policy_id", d.PolicyID)
	}
	if res.Outcome == OutcomeFailed {
		ev = ev.Str("stage", string(res.Stage)).Str("error", res.errorMessage())
	}

	ev.Msg("ability invocation finished")
}

func (inv *invocation) auditEntry(res Result) audit.Entry {
	e := audit.Entry{
		InvocationID: inv.id,
		Mode:         string(inv.mode),
		ChainID:      inv.chainID,
		Request:      inv.requestJSON(),
	}
	if inv.parsed {
		e.Sender = inv.req.Sender().Hex()
	}

	switch res.Outcome {
	case OutcomeSigned:
		e.Decision = audit.DecisionSigned
	case OutcomeDenied:
		e.Decision = audit.DecisionDenied
		if d := inv.policies.DeniedPolicy; d != nil {
			e.PolicyID = d.PolicyID
			e.Reason = "denied by policy " + d.PolicyID
			if len(d.Result) > 0 {
				e.Reason += ": " + string(d.Result)
			}
		} else {
			e.Reason = "denied by policy"
		}
	default:
		e.Decision = audit.DecisionFailed
		e.Reason = fmt.Sprintf("%s: %s", res.Stage, res.errorMessage())
	}
	return e
}

func (inv *invocation) requestJSON() json.RawMessage {
	if inv.parsed {
		if b, err := json.Marshal(inv.req); err == nil {
			return b
		}
	}
	if json.Valid(inv.raw) {
		return inv.raw
	}
	b, _ := json.Marshal(string(inv.raw))
	return b
}

func (r Result) errorMessage() string {
	if r.RuntimeError != "" {
		return r.RuntimeError
	}
	if er, ok := r.Result.(ErrorResult); ok {
		return er.Error
	}
	return ""
}
