// Package decoder extracts the addresses a call will interact with and decides
// whether the call data has a shape the sidecar is willing to sign.
package decoder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const maxDepth = 4

var (
	errShort        = errors.New("call data shorter than a selector")
	errUnknown      = errors.New("unrecognised function selector")
	errDelegatecall = errors.New("delegatecall execution mode is not allowed")
	errTooDeep      = errors.New("call nesting too deep")
)

// RelayRegistry answers whether an address is a known relay/execute contract.
type RelayRegistry interface {
	IsRelay(chainID uint64, addr common.Address) bool
}

// Result is the outcome of decoding one top-level call.
type Result struct {
	OK      bool             `json:"ok"`
	Targets []common.Address `json:"targets"`
	Reasons []string         `json:"reasons,omitempty"`
	Relay   bool             `json:"relay"`
	Shape   string           `json:"shape,omitempty"`
}

type Decoder struct {
	relays RelayRegistry
}

func New(relays RelayRegistry) *Decoder {
	return &Decoder{relays: relays}
}

// Decode never panics: malformed input is reported through Result.OK and Reasons.
func (d *Decoder) Decode(to common.Address, data []byte, chainID uint64) (res Result) {
	res.Relay = d.relays != nil && d.relays.IsRelay(chainID, to)

	defer func() {
		if r := recover(); r != nil {
			res.Shape = ""
			res.OK = res.Relay
			if !res.Relay {
				res.Reasons = append(res.Reasons, fmt.Sprintf("call data could not be decoded: %v", r))
			}
		}
	}()

	targets := newTargetSet(to)

	shape, err := d.decodeCall(data, 0, targets)
	res.Targets = targets.list()

	if err != nil {
		res.OK = res.Relay
		if !res.Relay {
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("destination %s is not a known relay contract on chain %d and its call data is not an allowed shape: %v", to.Hex(), chainID, err))
		}
		return res
	}

	res.OK = true
	res.Shape = shape
	return res
}

func (d *Decoder) decodeCall(data []byte, depth int, targets *targetSet) (string, error) {
	if depth > maxDepth {
		return "", errTooDeep
	}
	if len(data) == 0 {
		return "value-transfer", nil
	}
	if len(data) < 4 {
		return "", errShort
	}

	method, err := parsedABI.MethodById(data[:4])
	if err != nil {
		return "", fmt.Errorf("%w 0x%x", errUnknown, data[:4])
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", fmt.Errorf("unpack %s: %w", method.Sig, err)
	}

	var subcalls []execution

	switch method.Sig {
	case sigTransfer, sigApprove:
		targets.add(args[0].(common.Address))
	case sigTransferFrom:
		targets.add(args[0].(common.Address))
		targets.add(args[1].(common.Address))
	case sigExecute:
		subcalls = append(subcalls, execution{Target: args[0].(common.Address), Value: args[1].(*big.Int), Data: args[2].([]byte)})
	case sigExecuteMode:
		subcalls, err = decodeModeExecution(args[0].([32]byte), args[1].([]byte))
		if err != nil {
			return "", err
		}
	case sigExecuteBatch, sigExecuteBatchNoVal:
		dests := args[0].([]common.Address)
		funcs := args[len(args)-1].([][]byte)
		if len(dests) != len(funcs) {
			return "", fmt.Errorf("%s: %d targets but %d payloads", method.Sig, len(dests), len(funcs))
		}
		for i := range dests {
			subcalls = append(subcalls, execution{Target: dests[i], Data: funcs[i]})
		}
	case sigExecuteBatchCalls:
		subcalls = *abi.ConvertType(args[0], new([]execution)).(*[]execution)
	case sigAggregate3:
		for _, c := range *abi.ConvertType(args[0], new([]call3)).(*[]call3) {
			subcalls = append(subcalls, execution{Target: c.Target, Data: c.CallData})
		}
	case sigAggregate3Value:
		for _, c := range *abi.ConvertType(args[0], new([]call3Value)).(*[]call3Value) {
			subcalls = append(subcalls, execution{Target: c.Target, Value: c.Value, Data: c.CallData})
		}
	default:
		return "", fmt.Errorf("%w %s", errUnknown, method.Sig)
	}

	for _, sub := range subcalls {
		targets.add(sub.Target)
		// Nested payloads only contribute targets; an opaque inner call is fine.
		_, _ = d.decodeCall(sub.Data, depth+1, targets)
	}

	return method.RawName, nil
}

// decodeModeExecution handles ERC-7579 execute(mode, executionCalldata).
func decodeModeExecution(mode [32]byte, payload []byte) ([]execution, error) {
	switch mode[0] {
	case callTypeSingle:
		// abi.encodePacked(target, value, callData)
		if len(payload) < 52 {
			return nil, fmt.Errorf("single execution payload too short: %d bytes", len(payload))
		}
		return []execution{{
			Target: common.BytesToAddress(payload[:20]),
			Value:  new(big.Int).SetBytes(payload[20:52]),
			Data:   payload[52:],
		}}, nil
	case callTypeBatch:
		out, err := executionBatch.Unpack(payload)
		if err != nil {
			return nil, fmt.Errorf("unpack batch execution: %w", err)
		}
		return *abi.ConvertType(out[0], new([]execution)).(*[]execution), nil
	case callTypeDelegatecall:
		return nil, errDelegatecall
	default:
		return nil, fmt.Errorf("unsupported execution call type 0x%02x", mode[0])
	}
}

type targetSet struct {
	seen  map[common.Address]struct{}
	order []common.Address
}

func newTargetSet(first common.Address) *targetSet {
	s := &targetSet{seen: make(map[common.Address]struct{})}
	s.add(first)
	return s
}

func (s *targetSet) add(addr common.Address) {
	if _, ok := s.seen[addr]; ok {
		return
	}
	s.seen[addr] = struct{}{}
	s.order = append(s.order, addr)
}

func (s *targetSet) list() []common.Address {
	return s.order
}
