// Package simulation talks to the external asset-change simulator.
package simulation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagbolade/ability-sidecar/internal/params"
)

type AssetType string

const (
	AssetNative AssetType = "NATIVE"
	AssetERC20  AssetType = "ERC20"
	AssetOther  AssetType = "OTHER"
)

type ChangeType string

const (
	ChangeTransfer ChangeType = "TRANSFER"
	ChangeApprove  ChangeType = "APPROVE"
	ChangeOther    ChangeType = "OTHER"
)

// Change is one simulated asset movement. From and To are kept exactly as the
// simulator reported them; consumers normalize before comparing.
type Change struct {
	AssetType       AssetType  `json:"assetType"`
	ChangeType      ChangeType `json:"changeType"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Amount          *big.Int   `json:"amount,omitempty"`
	RawAssetType    string     `json:"rawAssetType,omitempty"`
	RawChangeType   string     `json:"rawChangeType,omitempty"`
	ContractAddress string     `json:"contractAddress,omitempty"`
	Symbol          string     `json:"symbol,omitempty"`
}

// Error is a whole-simulation failure, typically a revert.
type Error struct {
	Message      string `json:"message"`
	RevertReason string `json:"revertReason,omitempty"`
}

func (e *Error) Error() string {
	if e.RevertReason != "" {
		return e.Message + ": " + e.RevertReason
	}
	return e.Message
}

type Result struct {
	Error   *Error   `json:"error,omitempty"`
	Changes []Change `json:"changes"`
}

// Simulator runs a request against current chain state without broadcasting it.
// A transport failure is an error; a reverted simulation is reported in Result.Error.
type Simulator interface {
	Simulate(ctx context.Context, req params.Request, entryPoint common.Address) (Result, error)
}

// ParseAssetType maps a provider asset type onto the three classes the validator understands.
func ParseAssetType(raw string) AssetType {
	switch AssetType(raw) {
	case AssetNative, AssetERC20:
		return AssetType(raw)
	default:
		return AssetOther
	}
}

func ParseChangeType(raw string) ChangeType {
	switch ChangeType(raw) {
	case ChangeTransfer, ChangeApprove:
		return ChangeType(raw)
	default:
		return ChangeOther
	}
}
