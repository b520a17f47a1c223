package ability

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dagbolade/ability-sidecar/internal/params"
)

var errNoChainReader = errors.New("transaction is missing nonce, gas or fees and no chain reader is configured")

// ChainReader is the slice of ethclient.Client used to complete a transaction.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainReaders hands out a reader per chain.
type ChainReaders interface {
	Reader(ctx context.Context, chainID uint64) (ChainReader, error)
}

func complete(tx *params.Transaction) bool {
	if tx.Nonce == nil || tx.Gas == nil {
		return false
	}
	if tx.GasPrice != nil && tx.MaxFeePerGas == nil {
		return true
	}
	return tx.MaxFeePerGas != nil && tx.MaxPriorityFeePerGas != nil
}

// prepareTransaction returns a copy of tx with every field needed for a
// signing digest filled in. Caller-supplied values are never overridden.
func prepareTransaction(ctx context.Context, readers ChainReaders, tx *params.Transaction) (*params.Transaction, error) {
	out := *tx
	if out.Value == nil {
		out.Value = new(big.Int)
	}
	if complete(&out) {
		return &out, nil
	}
	if readers == nil {
		return nil, errNoChainReader
	}

	reader, err := readers.Reader(ctx, out.ChainID.Uint64())
	if err != nil {
		return nil, fmt.Errorf("chain reader: %w", err)
	}

	if out.Nonce == nil {
		nonce, err := reader.PendingNonceAt(ctx, out.From)
		if err != nil {
			return nil, fmt.Errorf("pending nonce: %w", err)
		}
		out.Nonce = new(big.Int).SetUint64(nonce)
	}

	if err := fillFees(ctx, reader, &out); err != nil {
		return nil, err
	}

	if out.Gas == nil {
		to := out.To
		gas, err := reader.EstimateGas(ctx, ethereum.CallMsg{
			From:  out.From,
			To:    &to,
			Value: out.Value,
			Data:  out.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		out.Gas = new(big.Int).SetUint64(gas)
	}

	return &out, nil
}

// fillFees picks EIP-1559 fees (maxFee = 2*baseFee + tip) on London chains
// and a legacy gas price otherwise.
func fillFees(ctx context.Context, reader ChainReader, tx *params.Transaction) error {
	if tx.GasPrice != nil && tx.MaxFeePerGas == nil {
		return nil
	}
	if tx.MaxFeePerGas != nil && tx.MaxPriorityFeePerGas != nil {
		return nil
	}

	head, err := reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest header: %w", err)
	}

	if head.BaseFee == nil {
		if tx.MaxFeePerGas != nil || tx.MaxPriorityFeePerGas != nil {
			return fmt.Errorf("chain %s does not support EIP-1559 fees", tx.ChainID)
		}
		price, err := reader.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		tx.GasPrice = price
		return nil
	}

	if tx.MaxPriorityFeePerGas == nil {
		tip, err := reader.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("gas tip cap: %w", err)
		}
		if tx.MaxFeePerGas != nil && tip.Cmp(tx.MaxFeePerGas) > 0 {
			tip = new(big.Int).Set(tx.MaxFeePerGas)
		}
		tx.MaxPriorityFeePerGas = tip
	}

	if tx.MaxFeePerGas == nil {
		fee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		tx.MaxFeePerGas = fee.Add(fee, tx.MaxPriorityFeePerGas)
	}
	tx.GasPrice = nil
	return nil
}
