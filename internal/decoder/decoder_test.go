package decoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	account  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	receiver = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	relay    = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

type mockRelays struct {
	relays map[common.Address]bool
}

func (m *mockRelays) IsRelay(_ uint64, addr common.Address) bool {
	return m.relays[addr]
}

func newTestDecoder() *Decoder {
	return New(&mockRelays{relays: map[common.Address]bool{relay: true}})
}

func pack(t *testing.T, sig string, args ...interface{}) []byte {
	t.Helper()
	for _, m := range parsedABI.Methods {
		if m.Sig != sig {
			continue
		}
		enc, err := m.Inputs.Pack(args...)
		if err != nil {
			t.Fatalf("pack %s: %v", sig, err)
		}
		return append(append([]byte{}, m.ID...), enc...)
	}
	t.Fatalf("no method %s", sig)
	return nil
}

func hasTarget(res Result, addr common.Address) bool {
	for _, a := range res.Targets {
		if a == addr {
			return true
		}
	}
	return false
}

func TestDecodeRecognisedShapes(t *testing.T) {
	transfer := pack(t, sigTransfer, receiver, big.NewInt(10))

	tests := []struct {
		name    string
		to      common.Address
		data    []byte
		targets []common.Address
	}{
		{
			name:    "empty data",
			to:      receiver,
			data:    nil,
			targets: []common.Address{receiver},
		},
		{
			name:    "erc20 transfer",
			to:      token,
			data:    transfer,
			targets: []common.Address{token, receiver},
		},
		{
			name:    "erc20 approve",
			to:      token,
			data:    pack(t, sigApprove, other, big.NewInt(1)),
			targets: []common.Address{token, other},
		},
		{
			name:    "erc20 transferFrom",
			to:      token,
			data:    pack(t, sigTransferFrom, other, receiver, big.NewInt(1)),
			targets: []common.Address{token, other, receiver},
		},
		{
			name:    "account execute wrapping a transfer",
			to:      account,
			data:    pack(t, sigExecute, token, big.NewInt(0), transfer),
			targets: []common.Address{account, token, receiver},
		},
		{
			name: "account executeBatch with values",
			to:   account,
			data: pack(t, sigExecuteBatch,
				[]common.Address{token, other},
				[]*big.Int{big.NewInt(0), big.NewInt(5)},
				[][]byte{transfer, {}}),
			targets: []common.Address{account, token, receiver, other},
		},
		{
			name:    "account executeBatch without values",
			to:      account,
			data:    pack(t, sigExecuteBatchNoVal, []common.Address{other}, [][]byte{{}}),
			targets: []common.Address{account, other},
		},
		{
			name: "account executeBatch of structs",
			to:   account,
			data: pack(t, sigExecuteBatchCalls, []execution{
				{Target: token, Value: big.NewInt(0), Data: transfer},
			}),
			targets: []common.Address{account, token, receiver},
		},
		{
			name: "multicall aggregate3Value",
			to:   account,
			data: pack(t, sigAggregate3Value, []call3Value{
				{Target: other, AllowFailure: false, Value: big.NewInt(1), CallData: []byte{}},
			}),
			targets: []common.Address{account, other},
		},
		{
			name: "modular single execution",
			to:   account,
			data: pack(t, sigExecuteMode, [32]byte{},
				append(append(common.LeftPadBytes(token.Bytes(), 20), common.LeftPadBytes(nil, 32)...), transfer...)),
			targets: []common.Address{account, token, receiver},
		},
	}

	d := newTestDecoder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Decode(tt.to, tt.data, 1)
			if !res.OK {
				t.Fatalf("expected OK, reasons: %v", res.Reasons)
			}
			if len(res.Reasons) != 0 {
				t.Errorf("expected no reasons, got %v", res.Reasons)
			}
			if len(res.Targets) != len(tt.targets) {
				t.Fatalf("expected targets %v, got %v", tt.targets, res.Targets)
			}
			for _, want := range tt.targets {
				if !hasTarget(res, want) {
					t.Errorf("missing target %s in %v", want.Hex(), res.Targets)
				}
			}
		})
	}
}

func TestDecodeModularBatch(t *testing.T) {
	transfer := pack(t, sigTransfer, receiver, big.NewInt(10))
	payload, err := executionBatch.Pack([]execution{
		{Target: token, Value: big.NewInt(0), Data: transfer},
		{Target: other, Value: big.NewInt(3), Data: []byte{}},
	})
	if err != nil {
		t.Fatalf("pack batch: %v", err)
	}

	var mode [32]byte
	mode[0] = callTypeBatch

	res := newTestDecoder().Decode(account, pack(t, sigExecuteMode, mode, payload), 1)
	if !res.OK {
		t.Fatalf("expected OK, reasons: %v", res.Reasons)
	}
	for _, want := range []common.Address{account, token, receiver, other} {
		if !hasTarget(res, want) {
			t.Errorf("missing target %s", want.Hex())
		}
	}
}

func TestDecodeRejectsUnknownShapes(t *testing.T) {
	var delegate [32]byte
	delegate[0] = callTypeDelegatecall

	tests := []struct {
		name string
		data []byte
	}{
		{"unknown selector", []byte{0xde, 0xad, 0xbe, 0xef, 0x00}},
		{"short data", []byte{0x01, 0x02}},
		{"truncated arguments", pack(t, sigTransfer, receiver, big.NewInt(1))[:20]},
		{"delegatecall mode", pack(t, sigExecuteMode, delegate, []byte{})},
		{"mismatched batch", pack(t, sigExecuteBatchNoVal, []common.Address{token, other}, [][]byte{{}})},
	}

	d := newTestDecoder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Decode(token, tt.data, 1)
			if res.OK {
				t.Fatal("expected decode to fail")
			}
			if len(res.Reasons) == 0 {
				t.Error("expected a reason")
			}
			if !hasTarget(res, token) {
				t.Error("destination should always be a target")
			}
		})
	}
}

func TestDecodeRelayAlwaysAllowed(t *testing.T) {
	res := newTestDecoder().Decode(relay, []byte{0xde, 0xad, 0xbe, 0xef}, 1)

	if !res.OK {
		t.Fatal("relay destination should be allowed")
	}
	if !res.Relay {
		t.Error("expected relay flag")
	}
	if len(res.Reasons) != 0 {
		t.Errorf("expected no reasons for relay, got %v", res.Reasons)
	}
}

func TestDecodeNestedOpaqueCallIsAllowed(t *testing.T) {
	data := pack(t, sigExecute, other, big.NewInt(0), []byte{0xca, 0xfe, 0xba, 0xbe, 0x01})

	res := newTestDecoder().Decode(account, data, 1)
	if !res.OK {
		t.Fatalf("expected OK, reasons: %v", res.Reasons)
	}
	if !hasTarget(res, other) {
		t.Error("inner target should be collected")
	}
}

func TestDecodeStopsAtMaxDepth(t *testing.T) {
	// Each level wraps the previous payload; only the first maxDepth+1 levels are walked.
	addrs := make([]common.Address, maxDepth+3)
	for i := range addrs {
		addrs[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
	}

	data := []byte{}
	for i := len(addrs) - 1; i >= 0; i-- {
		data = pack(t, sigExecute, addrs[i], big.NewInt(0), data)
	}

	res := newTestDecoder().Decode(account, data, 1)
	if !res.OK {
		t.Fatalf("expected OK, reasons: %v", res.Reasons)
	}
	if hasTarget(res, addrs[len(addrs)-1]) {
		t.Error("targets beyond the depth limit should not be collected")
	}
	if !hasTarget(res, addrs[0]) {
		t.Error("first level target missing")
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	d := newTestDecoder()
	base := pack(t, sigExecuteBatchCalls, []execution{{Target: token, Value: big.NewInt(0), Data: []byte{1, 2, 3}}})

	for i := 4; i < len(base); i++ {
		mutated := append([]byte{}, base...)
		mutated[i] ^= 0xff
		_ = d.Decode(account, mutated, 1)
		_ = d.Decode(account, base[:i], 1)
	}
}
