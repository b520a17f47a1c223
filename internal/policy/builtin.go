package policy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagbolade/ability-sidecar/internal/simulation"
	"github.com/dagbolade/ability-sidecar/internal/usage"
)

// MaxNativeValue denies requests whose attached value, or the sender's
// simulated native outflow, exceeds a ceiling in wei.
type MaxNativeValue struct {
	max *big.Int
}

func NewMaxNativeValue(max *big.Int) *MaxNativeValue {
	return &MaxNativeValue{max: new(big.Int).Set(max)}
}

type maxNativeValueResult struct {
	Max       string `json:"max"`
	Value     string `json:"value"`
	NativeOut string `json:"nativeOut"`
	Reason    string `json:"reason,omitempty"`
}

func (p *MaxNativeValue) Evaluate(_ context.Context, in Input) (Decision, error) {
	value := in.Request.Value()
	out := nativeOutflow(in)

	res := maxNativeValueResult{Max: p.max.String(), Value: value.String(), NativeOut: out.String()}

	switch {
	case value.Cmp(p.max) > 0:
		res.Reason = fmt.Sprintf("value %s exceeds maximum %s", value, p.max)
	case out.Cmp(p.max) > 0:
		res.Reason = fmt.Sprintf("simulated native outflow %s exceeds maximum %s", out, p.max)
	default:
		return Decision{Allow: true, Result: res}, nil
	}
	return Decision{Allow: false, Result: res}, nil
}

// RecipientAllowlist denies when the destination or any decoded target is not
// listed. The sender's own address is always accepted.
type RecipientAllowlist struct {
	allowed map[common.Address]struct{}
}

func NewRecipientAllowlist(addresses []common.Address) *RecipientAllowlist {
	p := &RecipientAllowlist{allowed: make(map[common.Address]struct{}, len(addresses))}
	for _, a := range addresses {
		p.allowed[a] = struct{}{}
	}
	return p
}

type recipientAllowlistResult struct {
	Rejected []string `json:"rejected,omitempty"`
}

func (p *RecipientAllowlist) Evaluate(_ context.Context, in Input) (Decision, error) {
	sender := in.Request.Sender()
	candidates := append([]common.Address{in.Request.Destination()}, in.Targets...)

	var res recipientAllowlistResult
	seen := make(map[common.Address]struct{})
	for _, addr := range candidates {
		if addr == sender {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if _, ok := p.allowed[addr]; !ok {
			res.Rejected = append(res.Rejected, addr.Hex())
		}
	}

	return Decision{Allow: len(res.Rejected) == 0, Result: res}, nil
}

// SigningRate denies once the sender has been signed for limit times inside
// the trailing window. It only reads usage; recording happens after signing.
//
// The limit is soft under concurrency: executes for the same sender that are
// evaluated before any of them records can all see count < limit, so up to
// limit+concurrent-1 signatures may land in one window. This is the same gap
// that separates a precheck from its execute. Serialise executes per sender
// upstream when the limit must be exact.
type SigningRate struct {
	store  usage.Store
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSigningRate(store usage.Store, limit int, window time.Duration) *SigningRate {
	return &SigningRate{store: store, limit: limit, window: window, now: time.Now}
}

type signingRateResult struct {
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

func (p *SigningRate) Evaluate(ctx context.Context, in Input) (Decision, error) {
	chainID := in.Request.ChainID()
	if !chainID.IsUint64() {
		return Decision{}, fmt.Errorf("chain id %s out of range", chainID)
	}

	count, err := p.store.CountSince(ctx, chainID.Uint64(), in.Request.Sender(), p.now().Add(-p.window))
	if err != nil {
		return Decision{}, fmt.Errorf("count usage: %w", err)
	}

	return Decision{
		Allow:  count < p.limit,
		Result: signingRateResult{Count: count, Limit: p.limit, Window: p.window.String()},
	}, nil
}

// nativeOutflow sums native transfers leaving the sender in the simulation.
func nativeOutflow(in Input) *big.Int {
	sender := strings.ToLower(in.Request.Sender().Hex())
	total := new(big.Int)
	for _, ch := range in.Changes {
		if ch.AssetType != simulation.AssetNative || ch.ChangeType != simulation.ChangeTransfer || ch.Amount == nil {
			continue
		}
		if strings.ToLower(ch.From) == sender {
			total.Add(total, ch.Amount)
		}
	}
	return total
}
