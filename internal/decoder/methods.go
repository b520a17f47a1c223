package decoder

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// knownABI lists every call shape the decoder understands. Overloaded names
// are disambiguated by go-ethereum; lookups go through the selector.
const knownABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"execute","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}]},
	{"type":"function","name":"execute","inputs":[{"name":"mode","type":"bytes32"},{"name":"executionCalldata","type":"bytes"}]},
	{"type":"function","name":"executeBatch","inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}]},
	{"type":"function","name":"executeBatch","inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}]},
	{"type":"function","name":"executeBatch","inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}]},
	{"type":"function","name":"aggregate3","inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}]},
	{"type":"function","name":"aggregate3Value","inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"value","type":"uint256"},{"name":"callData","type":"bytes"}]}]}
]`

const (
	sigTransfer          = "transfer(address,uint256)"
	sigApprove           = "approve(address,uint256)"
	sigTransferFrom      = "transferFrom(address,address,uint256)"
	sigExecute           = "execute(address,uint256,bytes)"
	sigExecuteMode       = "execute(bytes32,bytes)"
	sigExecuteBatch      = "executeBatch(address[],uint256[],bytes[])"
	sigExecuteBatchNoVal = "executeBatch(address[],bytes[])"
	sigExecuteBatchCalls = "executeBatch((address,uint256,bytes)[])"
	sigAggregate3        = "aggregate3((address,bool,bytes)[])"
	sigAggregate3Value   = "aggregate3Value((address,bool,uint256,bytes)[])"
)

// ERC-7579 call types (first byte of the execution mode).
const (
	callTypeSingle       = 0x00
	callTypeBatch        = 0x01
	callTypeDelegatecall = 0xff
)

// Field order and types must match the tuple components above.
type execution struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type call3Value struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

var (
	parsedABI      abi.ABI
	executionBatch abi.Arguments
)

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(knownABI))
	if err != nil {
		panic(err)
	}

	execType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	})
	if err != nil {
		panic(err)
	}
	executionBatch = abi.Arguments{{Name: "executions", Type: execType}}
}
