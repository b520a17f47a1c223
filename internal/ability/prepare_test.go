package ability

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagbolade/ability-sidecar/internal/params"
)

type fakeReader struct {
	nonce   uint64
	gas     uint64
	tip     *big.Int
	price   *big.Int
	baseFee *big.Int
	calls   int
}

func (f *fakeReader) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.calls++
	return f.nonce, nil
}

func (f *fakeReader) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.calls++
	return f.gas, nil
}

func (f *fakeReader) SuggestGasTipCap(context.Context) (*big.Int, error) {
	f.calls++
	return f.tip, nil
}

func (f *fakeReader) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.calls++
	return f.price, nil
}

func (f *fakeReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.calls++
	return &types.Header{BaseFee: f.baseFee}, nil
}

type staticReaders struct {
	reader ChainReader
	err    error
}

func (s staticReaders) Reader(context.Context, uint64) (ChainReader, error) {
	return s.reader, s.err
}

func bareTransaction() *params.Transaction {
	return &params.Transaction{
		From:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ChainID: big.NewInt(1),
	}
}

func TestPrepareFillsDynamicFees(t *testing.T) {
	reader := &fakeReader{nonce: 9, gas: 21000, tip: big.NewInt(2), baseFee: big.NewInt(100)}
	tx := bareTransaction()

	out, err := prepareTransaction(context.Background(), staticReaders{reader: reader}, tx)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(9), out.Nonce)
	assert.Equal(t, big.NewInt(21000), out.Gas)
	assert.Equal(t, big.NewInt(2), out.MaxPriorityFeePerGas)
	assert.Equal(t, big.NewInt(202), out.MaxFeePerGas)
	assert.Nil(t, out.GasPrice)
	assert.Equal(t, new(big.Int), out.Value)

	assert.Nil(t, tx.Nonce, "input must not be modified")
}

func TestPrepareFallsBackToLegacyPricing(t *testing.T) {
	reader := &fakeReader{nonce: 1, gas: 50000, price: big.NewInt(7)}

	out, err := prepareTransaction(context.Background(), staticReaders{reader: reader}, bareTransaction())
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(7), out.GasPrice)
	assert.Nil(t, out.MaxFeePerGas)

	_, built, err := TransactionDigest(out)
	require.NoError(t, err)
	assert.EqualValues(t, types.LegacyTxType, built.Type())
}

func TestPrepareKeepsCallerValues(t *testing.T) {
	reader := &fakeReader{nonce: 1, gas: 50000, tip: big.NewInt(5), baseFee: big.NewInt(10)}
	tx := bareTransaction()
	tx.Nonce = big.NewInt(42)
	tx.MaxFeePerGas = big.NewInt(3)

	out, err := prepareTransaction(context.Background(), staticReaders{reader: reader}, tx)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(42), out.Nonce)
	assert.Equal(t, big.NewInt(3), out.MaxFeePerGas)
	assert.Equal(t, big.NewInt(3), out.MaxPriorityFeePerGas, "tip is capped at the caller's max fee")
}

func TestPrepareCompleteTransactionSkipsReader(t *testing.T) {
	tx := bareTransaction()
	tx.Nonce = big.NewInt(0)
	tx.Gas = big.NewInt(21000)
	tx.GasPrice = big.NewInt(1)

	out, err := prepareTransaction(context.Background(), nil, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.GasPrice, out.GasPrice)
}

func TestPrepareErrors(t *testing.T) {
	_, err := prepareTransaction(context.Background(), nil, bareTransaction())
	assert.ErrorIs(t, err, errNoChainReader)

	boom := errors.New("dial failed")
	_, err = prepareTransaction(context.Background(), staticReaders{err: boom}, bareTransaction())
	assert.ErrorIs(t, err, boom)

	tx := bareTransaction()
	tx.MaxFeePerGas = big.NewInt(10)
	_, err = prepareTransaction(context.Background(), staticReaders{reader: &fakeReader{price: big.NewInt(1)}}, tx)
	assert.ErrorContains(t, err, "EIP-1559")
}
