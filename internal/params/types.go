package params

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind discriminates the two request variants.
type Kind string

const (
	KindTransaction   Kind = "transaction"
	KindUserOperation Kind = "userOp"
)

// Transaction is a normalized "sign a transaction" request. Optional numeric
// fields are nil when the caller left them out.
type Transaction struct {
	From                 common.Address
	To                   common.Address
	Data                 []byte
	Value                *big.Int
	ChainID              *big.Int
	Gas                  *big.Int
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Nonce                *big.Int
}

// UserOperation is a normalized ERC-4337 (v0.7 field layout) user operation.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	Paymaster                     *common.Address
	PaymasterData                 []byte
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

// Request is the tagged union produced by the parameter schema. Exactly one
// of Transaction() and UserOperation() is non-nil; the zero Request is invalid.
type Request struct {
	chainID    *big.Int
	tx         *Transaction
	op         *UserOperation
	entryPoint *common.Address
}

// NewTransactionRequest wraps a transaction. The request chain id is tx.ChainID.
func NewTransactionRequest(tx Transaction) Request {
	return Request{chainID: tx.ChainID, tx: &tx}
}

// NewUserOperationRequest wraps a user operation. entryPoint may be nil, in
// which case the chain registry default is used downstream.
func NewUserOperationRequest(chainID *big.Int, op UserOperation, entryPoint *common.Address) Request {
	return Request{chainID: chainID, op: &op, entryPoint: entryPoint}
}

func (r Request) Kind() Kind {
	if r.op != nil {
		return KindUserOperation
	}
	return KindTransaction
}

func (r Request) Transaction() *Transaction     { return r.tx }
func (r Request) UserOperation() *UserOperation { return r.op }

func (r Request) ChainID() *big.Int {
	if r.chainID == nil {
		return new(big.Int)
	}
	return r.chainID
}

// EntryPoint returns the caller-supplied entry point for user operations.
func (r Request) EntryPoint() (common.Address, bool) {
	if r.entryPoint == nil {
		return common.Address{}, false
	}
	return *r.entryPoint, true
}

// Sender is the caller-asserted signer identity.
func (r Request) Sender() common.Address {
	if r.op != nil {
		return r.op.Sender
	}
	if r.tx != nil {
		return r.tx.From
	}
	return common.Address{}
}

// Destination is the top-level call target: the transaction recipient, or the
// smart account itself for a user operation.
func (r Request) Destination() common.Address {
	if r.op != nil {
		return r.op.Sender
	}
	if r.tx != nil {
		return r.tx.To
	}
	return common.Address{}
}

func (r Request) CallData() []byte {
	if r.op != nil {
		return r.op.CallData
	}
	if r.tx != nil {
		return r.tx.Data
	}
	return nil
}

// Value is the native amount attached at the top level. User operations carry
// their value inside the call data and report zero here.
func (r Request) Value() *big.Int {
	if r.tx != nil && r.tx.Value != nil {
		return r.tx.Value
	}
	return new(big.Int)
}

func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Wire())
}
