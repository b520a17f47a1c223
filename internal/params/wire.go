package params

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const hexDataPattern = `^0x([0-9a-fA-F]{2})*$`

// WireRequest is the JSON shape accepted on the wire.
type WireRequest struct {
	ChainID     string           `json:"chainId" jsonschema:"pattern=^[0-9]+$" validate:"required,quantity"`
	EntryPoint  string           `json:"entryPoint,omitempty" jsonschema:"pattern=^0x[0-9a-fA-F]{40}$" validate:"omitempty,eth_addr"`
	Transaction *WireTransaction `json:"transaction,omitempty"`
	UserOp      *WireUserOp      `json:"userOp,omitempty"`
}

type WireTransaction struct {
	From                 string `json:"from" jsonschema:"pattern=^0x[0-9a-fA-F]{40}$" validate:"required,eth_addr"`
	To                   string `json:"to" jsonschema:"pattern=^0x[0-9a-fA-F]{40}$" validate:"required,eth_addr"`
	Data                 string `json:"data" jsonschema:"pattern=^0x([0-9a-fA-F]{2})*$" validate:"hexdata"`
	Value                string `json:"value" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"required,quantity"`
	ChainID              string `json:"chainId,omitempty" jsonschema:"pattern=^[0-9]+$" validate:"omitempty,quantity"`
	Gas                  string `json:"gas,omitempty" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"omitempty,quantity"`
	GasPrice             string `json:"gasPrice,omitempty" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"omitempty,quantity"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"omitempty,quantity"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"omitempty,quantity"`
	Nonce                string `json:"nonce,omitempty" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"omitempty,quantity"`
}

type WireUserOp struct {
	Sender                        string `json:"sender" jsonschema:"pattern=^0x[0-9a-fA-F]{40}$" validate:"required,eth_addr"`
	Nonce                         string `json:"nonce" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"required,quantity"`
	CallData                      string `json:"callData" jsonschema:"pattern=^0x([0-9a-fA-F]{2})*$" validate:"hexdata"`
	CallGasLimit                  string `json:"callGasLimit" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"required,quantity"`
	VerificationGasLimit          string `json:"verificationGasLimit" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"required,quantity"`
	PreVerificationGas            string `json:"preVerificationGas" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"required,quantity"`
	MaxFeePerGas                  string `json:"maxFeePerGas" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"required,quantity"`
	MaxPriorityFeePerGas          string `json:"maxPriorityFeePerGas" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"required,quantity"`
	Factory                       string `json:"factory,omitempty" jsonschema:"pattern=^0x[0-9a-fA-F]{40}$" validate:"omitempty,eth_addr"`
	FactoryData                   string `json:"factoryData,omitempty" jsonschema:"pattern=^0x([0-9a-fA-F]{2})*$" validate:"omitempty,hexdata"`
	Paymaster                     string `json:"paymaster,omitempty" jsonschema:"pattern=^0x[0-9a-fA-F]{40}$" validate:"omitempty,eth_addr"`
	PaymasterData                 string `json:"paymasterData,omitempty" jsonschema:"pattern=^0x([0-9a-fA-F]{2})*$" validate:"omitempty,hexdata"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit,omitempty" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"omitempty,quantity"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit,omitempty" jsonschema:"pattern=^(0x[0-9a-fA-F]+|[0-9]+)$" validate:"omitempty,quantity"`
}

func (w WireRequest) toRequest() (Request, error) {
	chainID, err := parseQuantity(w.ChainID)
	if err != nil {
		return Request{}, fmt.Errorf("chainId: %w", err)
	}
	if !chainID.IsUint64() || chainID.Sign() == 0 {
		return Request{}, fmt.Errorf("chainId: out of range")
	}

	switch {
	case w.Transaction != nil && w.UserOp != nil:
		return Request{}, ErrBothVariants
	case w.Transaction != nil:
		tx, err := w.Transaction.toTransaction(chainID)
		if err != nil {
			return Request{}, fmt.Errorf("transaction.%w", err)
		}
		return NewTransactionRequest(tx), nil
	case w.UserOp != nil:
		op, err := w.UserOp.toUserOperation()
		if err != nil {
			return Request{}, fmt.Errorf("userOp.%w", err)
		}
		var ep *common.Address
		if w.EntryPoint != "" {
			addr := common.HexToAddress(w.EntryPoint)
			ep = &addr
		}
		return NewUserOperationRequest(chainID, op, ep), nil
	default:
		return Request{}, ErrNoVariant
	}
}

func (w WireTransaction) toTransaction(chainID *big.Int) (Transaction, error) {
	if w.ChainID != "" {
		inner, err := parseQuantity(w.ChainID)
		if err != nil {
			return Transaction{}, fmt.Errorf("chainId: %w", err)
		}
		if inner.Cmp(chainID) != 0 {
			return Transaction{}, fmt.Errorf("chainId: %s does not match request chainId %s", inner, chainID)
		}
	}

	data, err := decodeHex(w.Data)
	if err != nil {
		return Transaction{}, fmt.Errorf("data: %w", err)
	}

	tx := Transaction{
		From:    common.HexToAddress(w.From),
		To:      common.HexToAddress(w.To),
		Data:    data,
		ChainID: chainID,
	}

	fields := []quantityField{
		{"value", w.Value, &tx.Value},
		{"gas", w.Gas, &tx.Gas},
		{"gasPrice", w.GasPrice, &tx.GasPrice},
		{"maxFeePerGas", w.MaxFeePerGas, &tx.MaxFeePerGas},
		{"maxPriorityFeePerGas", w.MaxPriorityFeePerGas, &tx.MaxPriorityFeePerGas},
		{"nonce", w.Nonce, &tx.Nonce},
	}
	if err := parseQuantities(fields); err != nil {
		return Transaction{}, err
	}

	return tx, nil
}

func (w WireUserOp) toUserOperation() (UserOperation, error) {
	op := UserOperation{Sender: common.HexToAddress(w.Sender)}

	var err error
	if op.CallData, err = decodeHex(w.CallData); err != nil {
		return UserOperation{}, fmt.Errorf("callData: %w", err)
	}
	if op.FactoryData, err = decodeHex(w.FactoryData); err != nil {
		return UserOperation{}, fmt.Errorf("factoryData: %w", err)
	}
	if op.PaymasterData, err = decodeHex(w.PaymasterData); err != nil {
		return UserOperation{}, fmt.Errorf("paymasterData: %w", err)
	}

	if w.Factory != "" {
		addr := common.HexToAddress(w.Factory)
		op.Factory = &addr
	}
	if w.Paymaster != "" {
		addr := common.HexToAddress(w.Paymaster)
		op.Paymaster = &addr
	}

	fields := []quantityField{
		{"nonce", w.Nonce, &op.Nonce},
		{"callGasLimit", w.CallGasLimit, &op.CallGasLimit},
		{"verificationGasLimit", w.VerificationGasLimit, &op.VerificationGasLimit},
		{"preVerificationGas", w.PreVerificationGas, &op.PreVerificationGas},
		{"maxFeePerGas", w.MaxFeePerGas, &op.MaxFeePerGas},
		{"maxPriorityFeePerGas", w.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas},
		{"paymasterVerificationGasLimit", w.PaymasterVerificationGasLimit, &op.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", w.PaymasterPostOpGasLimit, &op.PaymasterPostOpGasLimit},
	}
	if err := parseQuantities(fields); err != nil {
		return UserOperation{}, err
	}

	return op, nil
}

type quantityField struct {
	name string
	raw  string
	dst  **big.Int
}

func parseQuantities(fields []quantityField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := parseQuantity(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

// parseQuantity accepts a decimal string or a 0x-prefixed hex quantity.
func parseQuantity(s string) (*big.Int, error) {
	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = v.SetString(s[2:], 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("quantity %q exceeds 256 bits", s)
	}
	return v, nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hexutil.Decode(s)
}

// Wire converts the request back to its JSON wire shape.
func (r Request) Wire() WireRequest {
	w := WireRequest{ChainID: r.ChainID().String()}
	if ep, ok := r.EntryPoint(); ok {
		w.EntryPoint = ep.Hex()
	}

	if tx := r.tx; tx != nil {
		w.Transaction = &WireTransaction{
			From:                 tx.From.Hex(),
			To:                   tx.To.Hex(),
			Data:                 hexutil.Encode(tx.Data),
			Value:                quantityString(tx.Value),
			Gas:                  optionalQuantity(tx.Gas),
			GasPrice:             optionalQuantity(tx.GasPrice),
			MaxFeePerGas:         optionalQuantity(tx.MaxFeePerGas),
			MaxPriorityFeePerGas: optionalQuantity(tx.MaxPriorityFeePerGas),
			Nonce:                optionalQuantity(tx.Nonce),
		}
	}

	if op := r.op; op != nil {
		w.UserOp = &WireUserOp{
			Sender:                        op.Sender.Hex(),
			Nonce:                         quantityString(op.Nonce),
			CallData:                      hexutil.Encode(op.CallData),
			CallGasLimit:                  quantityString(op.CallGasLimit),
			VerificationGasLimit:          quantityString(op.VerificationGasLimit),
			PreVerificationGas:            quantityString(op.PreVerificationGas),
			MaxFeePerGas:                  quantityString(op.MaxFeePerGas),
			MaxPriorityFeePerGas:          quantityString(op.MaxPriorityFeePerGas),
			PaymasterVerificationGasLimit: optionalQuantity(op.PaymasterVerificationGasLimit),
			PaymasterPostOpGasLimit:       optionalQuantity(op.PaymasterPostOpGasLimit),
		}
		if op.Factory != nil {
			w.UserOp.Factory = op.Factory.Hex()
			w.UserOp.FactoryData = hexutil.Encode(op.FactoryData)
		}
		if op.Paymaster != nil {
			w.UserOp.Paymaster = op.Paymaster.Hex()
			w.UserOp.PaymasterData = hexutil.Encode(op.PaymasterData)
		}
	}

	return w
}

func quantityString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalQuantity(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
