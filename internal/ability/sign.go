package ability

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dagbolade/ability-sidecar/internal/params"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

// sign builds the final digest and asks the signer for a signature. The
// signer call is detached from the caller's cancellation and bounded by the
// sign timeout instead.
func (a *Ability) sign(ctx context.Context, inv *invocation) Result {
	ctx, span := a.tracer.Start(ctx, "sign")
	defer span.End()

	var (
		digest common.Hash
		built  *types.Transaction
		err    error
	)
	switch inv.req.Kind() {
	case params.KindUserOperation:
		digest, err = UserOperationHash(inv.req.UserOperation(), inv.entryPoint, inv.req.ChainID())
	default:
		var prepared *params.Transaction
		prepared, err = prepareTransaction(ctx, a.readers, inv.req.Transaction())
		if err == nil {
			digest, built, err = TransactionDigest(prepared)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return failure(inv, stageErr(StagePrepare, err))
	}
	span.SetAttributes(attribute.String("ability.digest", digest.Hex()))

	signCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.signTimeout)
	defer cancel()

	sigHex, err := a.signer.Sign(signCtx, digest, inv.req.Sender())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return failure(inv, stageErr(StageSigning, err))
	}

	sig, err := hexutil.Decode(sigHex)
	if err == nil && len(sig) != crypto.SignatureLength {
		err = fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	if err != nil {
		return failure(inv, stageErr(StageSigning, fmt.Errorf("malformed signature: %w", err)))
	}

	out := ExecuteResult{
		SimulationChanges: inv.sim.Changes,
		Digest:            digest.Hex(),
	}

	if built == nil {
		// Entry points recover with ecrecover, which expects v in {27, 28}.
		if sig[crypto.RecoveryIDOffset] < 27 {
			sig[crypto.RecoveryIDOffset] += 27
		}
		out.Signature = hexutil.Encode(sig)
	} else {
		signed, err := built.WithSignature(types.LatestSignerForChainID(inv.req.ChainID()), sig)
		if err != nil {
			return failure(inv, stageErr(StageSigning, fmt.Errorf("apply signature: %w", err)))
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return failure(inv, stageErr(StageSigning, fmt.Errorf("encode signed transaction: %w", err)))
		}
		out.Signature = hexutil.Encode(sig)
		out.SignedTransaction = hexutil.Encode(raw)
	}

	if out.SimulationChanges == nil {
		out.SimulationChanges = []simulation.Change{}
	}

	return Result{
		Success: true,
		Result:  out,
		Context: inv.context(),
		Outcome: OutcomeSigned,
	}
}
