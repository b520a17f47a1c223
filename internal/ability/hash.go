package ability

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dagbolade/ability-sidecar/internal/chains"
	"github.com/dagbolade/ability-sidecar/internal/params"
)

// UserOperationHash is the ERC-4337 user operation hash for the given entry
// point: keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
// The v0.6 entry point uses the unpacked gas layout, every other address the
// v0.7 packed layout.
func UserOperationHash(op *params.UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	var (
		packed []byte
		err    error
	)
	if entryPoint == chains.EntryPointV06 {
		packed = packV06(op)
	} else {
		packed, err = packV07(op)
		if err != nil {
			return common.Hash{}, err
		}
	}

	enc := make([]byte, 0, 96)
	enc = append(enc, crypto.Keccak256(packed)...)
	enc = append(enc, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	enc = append(enc, uintWord(chainID)...)
	return crypto.Keccak256Hash(enc), nil
}

func packV07(op *params.UserOperation) ([]byte, error) {
	accountGasLimits, err := packUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
	if err != nil {
		return nil, fmt.Errorf("accountGasLimits: %w", err)
	}
	gasFees, err := packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("gasFees: %w", err)
	}
	paymasterAndData, err := paymasterAndDataV07(op)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 8*32)
	out = append(out, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	out = append(out, uintWord(op.Nonce)...)
	out = append(out, crypto.Keccak256(initCode(op))...)
	out = append(out, crypto.Keccak256(op.CallData)...)
	out = append(out, accountGasLimits...)
	out = append(out, uintWord(op.PreVerificationGas)...)
	out = append(out, gasFees...)
	out = append(out, crypto.Keccak256(paymasterAndData)...)
	return out, nil
}

func packV06(op *params.UserOperation) []byte {
	var paymasterAndData []byte
	if op.Paymaster != nil {
		paymasterAndData = append(append(paymasterAndData, op.Paymaster.Bytes()...), op.PaymasterData...)
	}

	out := make([]byte, 0, 10*32)
	out = append(out, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	out = append(out, uintWord(op.Nonce)...)
	out = append(out, crypto.Keccak256(initCode(op))...)
	out = append(out, crypto.Keccak256(op.CallData)...)
	out = append(out, uintWord(op.CallGasLimit)...)
	out = append(out, uintWord(op.VerificationGasLimit)...)
	out = append(out, uintWord(op.PreVerificationGas)...)
	out = append(out, uintWord(op.MaxFeePerGas)...)
	out = append(out, uintWord(op.MaxPriorityFeePerGas)...)
	out = append(out, crypto.Keccak256(paymasterAndData)...)
	return out
}

// initCode is factory || factoryData, or empty when no factory is set.
func initCode(op *params.UserOperation) []byte {
	if op.Factory == nil {
		return nil
	}
	return append(append([]byte{}, op.Factory.Bytes()...), op.FactoryData...)
}

// paymasterAndDataV07 is paymaster || uint128(verificationGas) || uint128(postOpGas) || data.
func paymasterAndDataV07(op *params.UserOperation) ([]byte, error) {
	if op.Paymaster == nil {
		return nil, nil
	}

	gas, err := packUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	if err != nil {
		return nil, fmt.Errorf("paymaster gas limits: %w", err)
	}

	out := make([]byte, 0, 20+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, gas...)
	out = append(out, op.PaymasterData...)
	return out, nil
}

// packUint128Pair returns the 32-byte word hi<<128 | lo.
func packUint128Pair(hi, lo *big.Int) ([]byte, error) {
	out := make([]byte, 32)
	for i, v := range []*big.Int{hi, lo} {
		if v == nil {
			continue
		}
		if v.Sign() < 0 || v.BitLen() > 128 {
			return nil, fmt.Errorf("value %s does not fit in uint128", v)
		}
		v.FillBytes(out[i*16 : (i+1)*16])
	}
	return out, nil
}

func uintWord(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}

// buildTransaction turns a fully prepared request into a go-ethereum
// transaction: legacy when only gasPrice is set, EIP-1559 otherwise.
func buildTransaction(tx *params.Transaction) (*types.Transaction, error) {
	nonce, err := toUint64("nonce", tx.Nonce)
	if err != nil {
		return nil, err
	}
	gas, err := toUint64("gas", tx.Gas)
	if err != nil {
		return nil, err
	}

	to := tx.To
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	if tx.GasPrice != nil && tx.MaxFeePerGas == nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: tx.GasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     tx.Data,
		}), nil
	}

	if tx.MaxFeePerGas == nil || tx.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("fee fields are incomplete")
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   tx.ChainID,
		Nonce:     nonce,
		GasTipCap: tx.MaxPriorityFeePerGas,
		GasFeeCap: tx.MaxFeePerGas,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      tx.Data,
	}), nil
}

// TransactionDigest is the signing hash of a prepared transaction.
func TransactionDigest(tx *params.Transaction) (common.Hash, *types.Transaction, error) {
	built, err := buildTransaction(tx)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return types.LatestSignerForChainID(tx.ChainID).Hash(built), built, nil
}

func toUint64(field string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, fmt.Errorf("%s is not set", field)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s %s does not fit in uint64", field, v)
	}
	return v.Uint64(), nil
}
