// Package ability runs the two-phase precheck/execute pipeline that decides
// whether the sidecar signs a transaction or user operation.
//
// Both phases share the same validation and policy steps. Only Execute asks
// the signer for a signature, and only a signed Execute leaves a durable trace
// (usage counter); audit entries are written for every Execute outcome.
package ability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dagbolade/ability-sidecar/internal/audit"
	"github.com/dagbolade/ability-sidecar/internal/chains"
	"github.com/dagbolade/ability-sidecar/internal/decoder"
	"github.com/dagbolade/ability-sidecar/internal/params"
	"github.com/dagbolade/ability-sidecar/internal/policy"
	"github.com/dagbolade/ability-sidecar/internal/signer"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
	"github.com/dagbolade/ability-sidecar/internal/usage"
)

const (
	instrumentationName = "github.com/dagbolade/ability-sidecar/internal/ability"
	defaultSignTimeout  = 30 * time.Second
)

// Mode distinguishes the two entry points.
type Mode string

const (
	ModePrecheck Mode = "precheck"
	ModeExecute  Mode = "execute"
)

// PolicyEvaluator is the part of the policy engine the pipeline needs.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.EvaluationContext, error)
}

// AuditLogger receives one entry per Execute outcome.
type AuditLogger interface {
	Log(ctx context.Context, e audit.Entry) error
}

// Deps are the collaborators of an Ability. ChainReaders, Audit and Usage are
// optional.
type Deps struct {
	Schema    *params.Schema
	Chains    *chains.Registry
	Simulator simulation.Simulator
	Policies  PolicyEvaluator
	Signer    signer.Signer

	ChainReaders ChainReaders
	Audit        AuditLogger
	Usage        usage.Recorder

	SignTimeout time.Duration
}

type Ability struct {
	schema    *params.Schema
	chains    *chains.Registry
	decoder   *decoder.Decoder
	simulator simulation.Simulator
	policies  PolicyEvaluator
	signer    signer.Signer
	readers   ChainReaders
	audit     AuditLogger
	usage     usage.Recorder

	signTimeout time.Duration
	now         func() time.Time
	newID       func() string

	tracer      trace.Tracer
	invocations metric.Int64Counter
}

func New(deps Deps) (*Ability, error) {
	switch {
	case deps.Schema == nil:
		return nil, errors.New("schema is required")
	case deps.Chains == nil:
		return nil, errors.New("chain registry is required")
	case deps.Simulator == nil:
		return nil, errors.New("simulator is required")
	case deps.Policies == nil:
		return nil, errors.New("policy evaluator is required")
	case deps.Signer == nil:
		return nil, errors.New("signer is required")
	}

	timeout := deps.SignTimeout
	if timeout <= 0 {
		timeout = defaultSignTimeout
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"ability.invocations",
		metric.WithDescription("Ability invocations by mode and outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Ability{
		schema:      deps.Schema,
		chains:      deps.Chains,
		decoder:     decoder.New(deps.Chains),
		simulator:   deps.Simulator,
		policies:    deps.Policies,
		signer:      deps.Signer,
		readers:     deps.ChainReaders,
		audit:       deps.Audit,
		usage:       deps.Usage,
		signTimeout: timeout,
		now:         time.Now,
		newID:       uuid.NewString,
		tracer:      otel.Tracer(instrumentationName),
		invocations: counter,
	}, nil
}

// Precheck validates and evaluates a request without signing it. It is safe
// to call any number of times.
func (a *Ability) Precheck(ctx context.Context, raw []byte) Result {
	return a.run(ctx, ModePrecheck, raw)
}

// Execute validates and evaluates a request and, when every policy allows it,
// signs the final digest with the sender's key.
func (a *Ability) Execute(ctx context.Context, raw []byte) Result {
	return a.run(ctx, ModeExecute, raw)
}

// Schema is the JSON schema of accepted requests.
func (a *Ability) Schema() []byte {
	return a.schema.Document()
}
