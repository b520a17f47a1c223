package ability

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagbolade/ability-sidecar/internal/chains"
	"github.com/dagbolade/ability-sidecar/internal/params"
)

func sampleUserOp() *params.UserOperation {
	factory := common.HexToAddress("0x00000000000000000000000000000000000fac70")
	paymaster := common.HexToAddress("0x0000000000000000000000000000000000009a1d")
	return &params.UserOperation{
		Sender:                        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                         big.NewInt(3),
		CallData:                      []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:                  big.NewInt(100000),
		VerificationGasLimit:          big.NewInt(200000),
		PreVerificationGas:            big.NewInt(50000),
		MaxFeePerGas:                  big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas:          big.NewInt(1_000_000_000),
		Factory:                       &factory,
		FactoryData:                   []byte{0x01, 0x02},
		Paymaster:                     &paymaster,
		PaymasterData:                 []byte{0xaa},
		PaymasterVerificationGasLimit: big.NewInt(40000),
		PaymasterPostOpGasLimit:       big.NewInt(10000),
	}
}

// referenceHashV07 computes the v0.7 hash with the ABI encoder.
func referenceHashV07(t *testing.T, op *params.UserOperation, ep common.Address, chainID *big.Int) common.Hash {
	t.Helper()

	addressT, _ := abi.NewType("address", "", nil)
	uintT, _ := abi.NewType("uint256", "", nil)
	bytes32T, _ := abi.NewType("bytes32", "", nil)

	word := func(hi, lo *big.Int) [32]byte {
		v := new(big.Int).Lsh(hi, 128)
		v.Or(v, lo)
		var out [32]byte
		v.FillBytes(out[:])
		return out
	}
	hash := func(b []byte) [32]byte { return crypto.Keccak256Hash(b) }

	initCode := append(op.Factory.Bytes(), op.FactoryData...)
	pmGas := word(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	pmData := append(append(op.Paymaster.Bytes(), pmGas[:]...), op.PaymasterData...)

	inner, err := abi.Arguments{
		{Type: addressT}, {Type: uintT}, {Type: bytes32T}, {Type: bytes32T},
		{Type: bytes32T}, {Type: uintT}, {Type: bytes32T}, {Type: bytes32T},
	}.Pack(
		op.Sender, op.Nonce, hash(initCode), hash(op.CallData),
		word(op.VerificationGasLimit, op.CallGasLimit), op.PreVerificationGas,
		word(op.MaxPriorityFeePerGas, op.MaxFeePerGas), hash(pmData),
	)
	require.NoError(t, err)

	outer, err := abi.Arguments{{Type: bytes32T}, {Type: addressT}, {Type: uintT}}.Pack(hash(inner), ep, chainID)
	require.NoError(t, err)
	return crypto.Keccak256Hash(outer)
}

func TestUserOperationHashV07(t *testing.T) {
	op := sampleUserOp()
	chainID := big.NewInt(11155111)

	got, err := UserOperationHash(op, chains.EntryPointV07, chainID)
	require.NoError(t, err)
	assert.Equal(t, referenceHashV07(t, op, chains.EntryPointV07, chainID), got)

	other, err := UserOperationHash(op, chains.EntryPointV07, big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, got, other, "hash must bind the chain id")
}

func TestUserOperationHashV06DiffersFromV07(t *testing.T) {
	op := sampleUserOp()
	chainID := big.NewInt(1)

	v6, err := UserOperationHash(op, chains.EntryPointV06, chainID)
	require.NoError(t, err)
	v7, err := UserOperationHash(op, chains.EntryPointV07, chainID)
	require.NoError(t, err)
	assert.NotEqual(t, v6, v7)
}

func TestUserOperationHashRejectsWideGasValues(t *testing.T) {
	op := sampleUserOp()
	op.CallGasLimit = new(big.Int).Lsh(big.NewInt(1), 130)

	_, err := UserOperationHash(op, chains.EntryPointV07, big.NewInt(1))
	assert.ErrorContains(t, err, "uint128")
}

func TestTransactionDigest(t *testing.T) {
	base := params.Transaction{
		From:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:   big.NewInt(1),
		ChainID: big.NewInt(1),
		Nonce:   big.NewInt(0),
		Gas:     big.NewInt(21000),
	}

	t.Run("dynamic fee", func(t *testing.T) {
		tx := base
		tx.MaxFeePerGas = big.NewInt(20)
		tx.MaxPriorityFeePerGas = big.NewInt(1)

		digest, built, err := TransactionDigest(&tx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, built.Type())
		assert.NotEqual(t, common.Hash{}, digest)
	})

	t.Run("legacy", func(t *testing.T) {
		tx := base
		tx.GasPrice = big.NewInt(20)

		_, built, err := TransactionDigest(&tx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, built.Type())
		assert.Equal(t, big.NewInt(20), built.GasPrice())
	})

	t.Run("missing fees", func(t *testing.T) {
		tx := base
		_, _, err := TransactionDigest(&tx)
		assert.Error(t, err)
	})

	t.Run("missing nonce", func(t *testing.T) {
		tx := base
		tx.Nonce = nil
		tx.GasPrice = big.NewInt(20)
		_, _, err := TransactionDigest(&tx)
		assert.ErrorContains(t, err, "nonce")
	})
}
