// Package assetcheck guards the sender's own funds against redirection.
//
// Only changes that move value out of the sender directly are restricted:
// native transfers from the sender must go to an allowed recipient and
// ERC-20 approvals granted by the sender must name a relay contract. Every
// other native or ERC-20 movement is interior to a call the simulator has
// already executed successfully end to end and is trusted on that basis.
// Anything the validator cannot classify is rejected.
package assetcheck

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

var (
	ErrEmptyAllowList     = errors.New("allow list is empty")
	ErrSimulationReverted = errors.New("simulation failed")
)

// ViolationError identifies the change that broke an allow-list rule.
type ViolationError struct {
	Index      int
	AssetType  string
	ChangeType string
	From       string
	To         string
	Reason     string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("asset change %d (%s %s from %s to %s): %s",
		e.Index, e.AssetType, e.ChangeType, e.From, e.To, e.Reason)
}

// Validate checks simulated changes in order and returns the first violation.
func Validate(result simulation.Result, sender common.Address, allow AllowList) error {
	if result.Error != nil {
		return fmt.Errorf("%w: %w", ErrSimulationReverted, result.Error)
	}
	if allow.Empty() {
		return ErrEmptyAllowList
	}

	self := normalize(sender.Hex())

	for i, ch := range result.Changes {
		from, to := normalize(ch.From), normalize(ch.To)

		violation := func(reason string) error {
			return &ViolationError{
				Index:      i,
				AssetType:  rawOr(ch.RawAssetType, string(ch.AssetType)),
				ChangeType: rawOr(ch.RawChangeType, string(ch.ChangeType)),
				From:       from,
				To:         to,
				Reason:     reason,
			}
		}

		if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
			return violation("unparseable address")
		}

		switch ch.AssetType {
		case simulation.AssetNative:
			if ch.ChangeType != simulation.ChangeTransfer {
				return violation("native asset only permits transfers")
			}
			if from == self && !allow.IsNativeRecipient(to) {
				return violation("native transfer from sender to a recipient outside the allow list")
			}

		case simulation.AssetERC20:
			switch ch.ChangeType {
			case simulation.ChangeApprove:
				if from == self && !allow.IsRelayExecute(to) {
					return violation("approval from sender to a spender that is not a known relay contract")
				}
			case simulation.ChangeTransfer:
			default:
				return violation("unsupported ERC20 change type")
			}

		default:
			return violation("unsupported asset type")
		}
	}

	return nil
}

func rawOr(raw, fallback string) string {
	if raw != "" {
		return raw
	}
	return fallback
}
