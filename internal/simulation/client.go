package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/ability-sidecar/internal/chains"
	"github.com/dagbolade/ability-sidecar/internal/params"
)

const (
	methodSimulateTransaction   = "alchemy_simulateAssetChanges"
	methodSimulateUserOperation = "alchemy_simulateUserOperationAssetChanges"
)

// dummySignature lets the entry point run account validation during simulation.
const dummySignature = "0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c"

var ErrUnsupportedChain = errors.New("no simulation endpoint configured for chain")

// Client is a JSON-RPC simulator with one lazily dialled connection per chain.
type Client struct {
	registry *chains.Registry

	mu      sync.Mutex
	clients map[uint64]*rpc.Client
}

func NewClient(registry *chains.Registry) *Client {
	return &Client{
		registry: registry,
		clients:  make(map[uint64]*rpc.Client),
	}
}

func (c *Client) Simulate(ctx context.Context, req params.Request, entryPoint common.Address) (Result, error) {
	if !req.ChainID().IsUint64() {
		return Result{}, fmt.Errorf("%w %s", ErrUnsupportedChain, req.ChainID())
	}
	chainID := req.ChainID().Uint64()

	client, err := c.client(ctx, chainID)
	if err != nil {
		return Result{}, err
	}

	var (
		method string
		args   []interface{}
	)
	switch req.Kind() {
	case params.KindUserOperation:
		method = methodSimulateUserOperation
		args = []interface{}{userOperationArg(req.UserOperation()), entryPoint}
	default:
		method = methodSimulateTransaction
		args = []interface{}{transactionArg(req.Transaction())}
	}

	var resp rpcResponse
	if err := client.CallContext(ctx, &resp, method, args...); err != nil {
		return Result{}, fmt.Errorf("%s: %w", method, err)
	}

	result := resp.toResult()

	log.Debug().
		Uint64("chain_id", chainID).
		Str("method", method).
		Int("changes", len(result.Changes)).
		Bool("reverted", result.Error != nil).
		Msg("simulation completed")

	return result, nil
}

// Close drops every open connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, client := range c.clients {
		client.Close()
		delete(c.clients, id)
	}
}

func (c *Client) client(ctx context.Context, chainID uint64) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[chainID]; ok {
		return client, nil
	}

	chain, ok := c.registry.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedChain, chainID)
	}

	url := chain.SimulationURL
	if url == "" {
		url = chain.RPCURL
	}
	if url == "" {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedChain, chainID)
	}

	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial simulation endpoint for chain %d: %w", chainID, err)
	}

	c.clients[chainID] = client
	return client, nil
}

type txArg struct {
	From                 common.Address `json:"from"`
	To                   common.Address `json:"to"`
	Value                *hexutil.Big   `json:"value,omitempty"`
	Data                 hexutil.Bytes  `json:"data,omitempty"`
	Gas                  *hexutil.Big   `json:"gas,omitempty"`
	GasPrice             *hexutil.Big   `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas,omitempty"`
}

func transactionArg(tx *params.Transaction) txArg {
	return txArg{
		From:                 tx.From,
		To:                   tx.To,
		Value:                hexBig(tx.Value),
		Data:                 tx.Data,
		Gas:                  hexBig(tx.Gas),
		GasPrice:             hexBig(tx.GasPrice),
		MaxFeePerGas:         hexBig(tx.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(tx.MaxPriorityFeePerGas),
	}
}

type userOpArg struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     string          `json:"signature"`
}

func userOperationArg(op *params.UserOperation) userOpArg {
	return userOpArg{
		Sender:                        op.Sender,
		Nonce:                         hexBigOrZero(op.Nonce),
		Factory:                       op.Factory,
		FactoryData:                   op.FactoryData,
		CallData:                      op.CallData,
		CallGasLimit:                  hexBigOrZero(op.CallGasLimit),
		VerificationGasLimit:          hexBigOrZero(op.VerificationGasLimit),
		PreVerificationGas:            hexBigOrZero(op.PreVerificationGas),
		MaxFeePerGas:                  hexBigOrZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas:          hexBigOrZero(op.MaxPriorityFeePerGas),
		Paymaster:                     op.Paymaster,
		PaymasterVerificationGasLimit: hexBig(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       hexBig(op.PaymasterPostOpGasLimit),
		PaymasterData:                 op.PaymasterData,
		Signature:                     dummySignature,
	}
}

func hexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(v)
}

func hexBigOrZero(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}

type rpcChange struct {
	AssetType       string `json:"assetType"`
	ChangeType      string `json:"changeType"`
	From            string `json:"from"`
	To              string `json:"to"`
	RawAmount       string `json:"rawAmount"`
	ContractAddress string `json:"contractAddress"`
	Symbol          string `json:"symbol"`
}

type rpcResponse struct {
	Changes []rpcChange `json:"changes"`
	Error   *Error      `json:"error"`
}

func (r rpcResponse) toResult() Result {
	out := Result{Error: r.Error, Changes: make([]Change, 0, len(r.Changes))}
	// Any error object means failure, even one without text.
	if out.Error != nil && out.Error.Message == "" {
		out.Error = &Error{Message: "simulation reported an unspecified error", RevertReason: out.Error.RevertReason}
	}

	for _, ch := range r.Changes {
		amount, _ := parseAmount(ch.RawAmount)

		out.Changes = append(out.Changes, Change{
			AssetType:       ParseAssetType(ch.AssetType),
			ChangeType:      ParseChangeType(ch.ChangeType),
			From:            ch.From,
			To:              ch.To,
			Amount:          amount,
			RawAssetType:    ch.AssetType,
			RawChangeType:   ch.ChangeType,
			ContractAddress: ch.ContractAddress,
			Symbol:          ch.Symbol,
		})
	}
	return out
}

func parseAmount(raw string) (*big.Int, bool) {
	if raw == "" {
		return nil, false
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return new(big.Int).SetString(raw[2:], 16)
	}
	return new(big.Int).SetString(raw, 10)
}
