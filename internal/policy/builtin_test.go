package policy

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

func TestMaxNativeValue(t *testing.T) {
	p := NewMaxNativeValue(big.NewInt(500))

	tests := []struct {
		name    string
		value   int64
		changes []simulation.Change
		allow   bool
	}{
		{"under limit", 100, nil, true},
		{"at limit", 500, nil, true},
		{"over limit", 1000, nil, false},
		{
			name:  "simulated outflow over limit",
			value: 0,
			changes: []simulation.Change{
				{AssetType: simulation.AssetNative, ChangeType: simulation.ChangeTransfer,
					From: strings.ToLower(testSender.Hex()), To: testTo.Hex(), Amount: big.NewInt(400)},
				{AssetType: simulation.AssetNative, ChangeType: simulation.ChangeTransfer,
					From: testSender.Hex(), To: testTo.Hex(), Amount: big.NewInt(200)},
			},
			allow: false,
		},
		{
			name:  "interior outflow ignored",
			value: 0,
			changes: []simulation.Change{
				{AssetType: simulation.AssetNative, ChangeType: simulation.ChangeTransfer,
					From: testTo.Hex(), To: testSender.Hex(), Amount: big.NewInt(10_000)},
			},
			allow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput(tt.value)
			in.Changes = tt.changes

			d, err := p.Evaluate(context.Background(), in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Allow != tt.allow {
				t.Errorf("allow = %v, want %v (%+v)", d.Allow, tt.allow, d.Result)
			}
		})
	}
}

func TestRecipientAllowlist(t *testing.T) {
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")

	p := NewRecipientAllowlist([]common.Address{testTo})

	in := testInput(1)
	d, _ := p.Evaluate(context.Background(), in)
	if !d.Allow {
		t.Error("listed destination should be allowed")
	}

	in.Targets = append(in.Targets, testSender, other)
	d, _ = p.Evaluate(context.Background(), in)
	if d.Allow {
		t.Error("unlisted decoded target should deny")
	}
	res := d.Result.(recipientAllowlistResult)
	if len(res.Rejected) != 1 || res.Rejected[0] != other.Hex() {
		t.Errorf("expected only %s rejected, got %v", other.Hex(), res.Rejected)
	}
}

type fakeUsage struct {
	mu    sync.Mutex
	count int
	err   error
	since time.Time
}

func (f *fakeUsage) CountSince(_ context.Context, _ uint64, _ common.Address, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = since
	return f.count, f.err
}

func TestSigningRate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	store := &fakeUsage{count: 2}
	p := NewSigningRate(store, 3, time.Hour)
	p.now = func() time.Time { return now }

	d, err := p.Evaluate(context.Background(), testInput(1))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Error("2 of 3 should allow")
	}
	if !store.since.Equal(now.Add(-time.Hour)) {
		t.Errorf("expected window start %v, got %v", now.Add(-time.Hour), store.since)
	}

	store.count = 3
	d, _ = p.Evaluate(context.Background(), testInput(1))
	if d.Allow {
		t.Error("limit reached should deny")
	}

	store.err = errors.New("redis down")
	if _, err := p.Evaluate(context.Background(), testInput(1)); err == nil {
		t.Error("usage lookup failure should be an error")
	}
}

func TestSigningRateConcurrentEvaluationsShareOneCount(t *testing.T) {
	store := &fakeUsage{count: 2}
	p := NewSigningRate(store, 3, time.Hour)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := p.Evaluate(context.Background(), testInput(1))
			if err == nil && d.Allow {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// Evaluation never reserves usage, so every in-flight request sees the
	// same count until a signature is recorded.
	if allowed.Load() != 5 {
		t.Errorf("expected all 5 evaluations to allow, got %d", allowed.Load())
	}
	if store.count != 2 {
		t.Errorf("evaluation must not change usage, count is %d", store.count)
	}
}

func TestCELPolicy(t *testing.T) {
	env, err := NewCELEnv()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		expr  string
		value int64
		allow bool
	}{
		{"value <= 500", 100, true},
		{"value <= 500", 1000, false},
		{"kind == 'transaction' && chain_id == 1", 1, true},
		{"size(targets) > 0 && targets[0] == to", 1, true},
		{"from != to && value_wei == '42'", 42, true},
		{"native_out == 0", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := NewCELPolicy(env, tt.expr)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			d, err := p.Evaluate(context.Background(), testInput(tt.value))
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if d.Allow != tt.allow {
				t.Errorf("allow = %v, want %v", d.Allow, tt.allow)
			}
		})
	}
}

func TestCELPolicyErrors(t *testing.T) {
	env, _ := NewCELEnv()

	if _, err := NewCELPolicy(env, "value <="); err == nil {
		t.Error("syntax error should fail to compile")
	}
	if _, err := NewCELPolicy(env, "unknown_var == 1"); err == nil {
		t.Error("undeclared variable should fail to compile")
	}

	p, err := NewCELPolicy(env, "kind")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Evaluate(context.Background(), testInput(1)); err == nil {
		t.Error("non-bool result should be an error")
	}
}
