package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/dagbolade/ability-sidecar/internal/ability"
	"github.com/dagbolade/ability-sidecar/internal/audit"
	"github.com/dagbolade/ability-sidecar/internal/chains"
	"github.com/dagbolade/ability-sidecar/internal/params"
	"github.com/dagbolade/ability-sidecar/internal/policy"
	"github.com/dagbolade/ability-sidecar/internal/server"
	"github.com/dagbolade/ability-sidecar/internal/signer"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testRelay = common.HexToAddress("0x00000000000000000000000000000000000be1a7")

// TestEnvironment is the full sidecar stack on temporary storage, with the
// simulation provider replaced by an in-process JSON-RPC server.
type TestEnvironment struct {
	Server       *server.Server
	PolicyEngine *policy.Engine
	AuditStore   *audit.SQLiteStore
	Simulator    *httptest.Server
	HTTPServer   *httptest.Server
	PolicyPath   string
	Sender       common.Address

	SimulationCalls atomic.Int32
}

// SetupTestEnvironment starts the stack with policyDoc as the policy table.
func SetupTestEnvironment(t *testing.T, policyDoc string) *TestEnvironment {
	t.Helper()

	tmpDir := t.TempDir()
	env := &TestEnvironment{PolicyPath: filepath.Join(tmpDir, "policies.yaml")}
	require.NoError(t, os.WriteFile(env.PolicyPath, []byte(policyDoc), 0644))

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	env.Sender = crypto.PubkeyToAddress(key.PublicKey)

	env.AuditStore, err = audit.NewSQLiteStore(filepath.Join(tmpDir, "audit.db"))
	require.NoError(t, err)

	env.Simulator = env.mockSimulator()

	registry, err := chains.NewRegistry(chains.Chain{
		ID:            1,
		Name:          "test",
		SimulationURL: env.Simulator.URL,
		Relays:        []string{testRelay.Hex()},
	})
	require.NoError(t, err)

	simClient := simulation.NewClient(registry)

	loader, err := policy.NewLoader(env.AuditStore)
	require.NoError(t, err)
	env.PolicyEngine, err = policy.NewEngine(context.Background(), env.PolicyPath, loader)
	require.NoError(t, err)

	schema, err := params.NewSchema()
	require.NoError(t, err)

	ab, err := ability.New(ability.Deps{
		Schema:    schema,
		Chains:    registry,
		Simulator: simClient,
		Policies:  env.PolicyEngine,
		Signer:    signer.NewKeyring(key),
		Audit:     env.AuditStore,
	})
	require.NoError(t, err)

	env.Server = server.New(server.Config{ShutdownTimeout: 5}, server.Deps{
		Ability:  ab,
		Policies: env.PolicyEngine,
		Audit:    env.AuditStore,
	})
	env.HTTPServer = httptest.NewServer(env.Server)

	t.Cleanup(func() {
		env.HTTPServer.Close()
		simClient.Close()
		env.Simulator.Close()
		env.PolicyEngine.Close()
		env.AuditStore.Close()
	})

	return env
}

// mockSimulator reports one native transfer of the attached value from the
// sender to the destination.
func (e *TestEnvironment) mockSimulator() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.SimulationCalls.Add(1)

		var req struct {
			ID     json.RawMessage   `json:"id"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Params) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var tx struct {
			From  string `json:"from"`
			To    string `json:"to"`
			Value string `json:"value"`
		}
		_ = json.Unmarshal(req.Params[0], &tx)

		changes := []map[string]string{}
		if tx.Value != "" && tx.Value != "0x0" {
			changes = append(changes, map[string]string{
				"assetType":  "NATIVE",
				"changeType": "TRANSFER",
				"from":       tx.From,
				"to":         tx.To,
				"rawAmount":  tx.Value,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]interface{}{"changes": changes},
		})
	}))
}

// TransferRequest is a complete native transfer to the test relay.
func (e *TestEnvironment) TransferRequest(value, nonce int) []byte {
	return []byte(fmt.Sprintf(`{
		"chainId": "1",
		"transaction": {
			"from": %q,
			"to": %q,
			"data": "0x",
			"value": "%d",
			"nonce": "%d",
			"gas": "21000",
			"maxFeePerGas": "30000000000",
			"maxPriorityFeePerGas": "1000000000"
		}
	}`, e.Sender.Hex(), testRelay.Hex(), value, nonce))
}

// Post sends body to path and decodes the ability result.
func (e *TestEnvironment) Post(t *testing.T, path string, body []byte) (int, map[string]interface{}) {
	t.Helper()

	resp, err := e.HTTPClient().Post(e.HTTPServer.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *TestEnvironment) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// WritePolicy replaces the policy table on disk.
func (e *TestEnvironment) WritePolicy(t *testing.T, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(e.PolicyPath, []byte(doc), 0644))
}

// WaitForPolicies polls until the active policy ids equal want.
func (e *TestEnvironment) WaitForPolicies(want []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for policies %v, have %v", want, e.PolicyEngine.Policies())
		case <-ticker.C:
			if equal(e.PolicyEngine.Policies(), want) {
				return nil
			}
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CountDecisions tallies audit entries by decision.
func (e *TestEnvironment) CountDecisions(t *testing.T) map[audit.Decision]int {
	t.Helper()

	entries, err := e.AuditStore.GetAll(context.Background())
	require.NoError(t, err)

	counts := make(map[audit.Decision]int)
	for _, entry := range entries {
		counts[entry.Decision]++
	}
	return counts
}
