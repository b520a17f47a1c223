package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagbolade/ability-sidecar/internal/ability"
	"github.com/dagbolade/ability-sidecar/internal/audit"
	"github.com/dagbolade/ability-sidecar/internal/policy"
)

type stubAbility struct {
	precheck ability.Result
	execute  ability.Result
	bodies   [][]byte
	deadline bool
}

func (s *stubAbility) Precheck(ctx context.Context, raw []byte) ability.Result {
	s.bodies = append(s.bodies, raw)
	_, s.deadline = ctx.Deadline()
	return s.precheck
}

func (s *stubAbility) Execute(ctx context.Context, raw []byte) ability.Result {
	s.bodies = append(s.bodies, raw)
	_, s.deadline = ctx.Deadline()
	return s.execute
}

func (s *stubAbility) Schema() []byte {
	return []byte(`{"type":"object"}`)
}

type stubAudit struct {
	entries []audit.Entry
	err     error
}

func (s *stubAudit) GetAll(context.Context) ([]audit.Entry, error) {
	return s.entries, s.err
}

func testConfig() Config {
	return Config{Port: 8080, ReadTimeout: 30, WriteTimeout: 30, ShutdownTimeout: 2}
}

func newTestServer(svc AbilityService, aud AuditReader) *Server {
	engine := policy.NewStaticEngine(false, policy.Entry{
		ID:     "cap",
		Type:   "max_native_value",
		Policy: policy.NewMaxNativeValue(big.NewInt(500)),
	})
	return New(testConfig(), Deps{Ability: svc, Policies: engine, Audit: aud})
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&stubAbility{}, nil)

	rec := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
}

func TestAbilityStatusMapping(t *testing.T) {
	denied := ability.Result{
		Success: false,
		Context: &ability.Context{PoliciesContext: policy.EvaluationContext{
			EvaluatedPolicies: []string{"cap"},
			DeniedPolicy:      &policy.Verdict{PolicyID: "cap"},
		}},
		Outcome: ability.OutcomeDenied,
		Stage:   ability.StagePolicy,
	}

	tests := []struct {
		name   string
		result ability.Result
		want   int
	}{
		{"signed", ability.Result{Success: true, Outcome: ability.OutcomeSigned}, http.StatusOK},
		{"denied", denied, http.StatusForbidden},
		{"schema", ability.Result{Outcome: ability.OutcomeFailed, Stage: ability.StageSchema,
			Result: ability.ErrorResult{Error: "bad", Stage: ability.StageSchema}}, http.StatusBadRequest},
		{"decode", ability.Result{Outcome: ability.OutcomeFailed, Stage: ability.StageDecode,
			Result: ability.ErrorResult{Error: "unknown", Stage: ability.StageDecode}}, http.StatusUnprocessableEntity},
		{"signing", ability.Result{Outcome: ability.OutcomeFailed, Stage: ability.StageSigning,
			RuntimeError: "signer down"}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubAbility{execute: tt.result}
			srv := newTestServer(svc, nil)

			rec := do(t, srv, http.MethodPost, "/ability/execute", []byte(`{"chainId":"1"}`))
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.result.Success, body["success"])
			assert.NotContains(t, body, "Outcome")

			require.Len(t, svc.bodies, 1)
			assert.JSONEq(t, `{"chainId":"1"}`, string(svc.bodies[0]))
			assert.True(t, svc.deadline, "handler must bound the invocation")
		})
	}
}

func TestPrecheckDenialIsOK(t *testing.T) {
	svc := &stubAbility{precheck: ability.Result{
		Success: true,
		Context: &ability.Context{PoliciesContext: policy.EvaluationContext{
			EvaluatedPolicies: []string{"cap"},
			DeniedPolicy:      &policy.Verdict{PolicyID: "cap"},
		}},
		Outcome: ability.OutcomeDenied,
	}}
	srv := newTestServer(svc, nil)

	rec := do(t, srv, http.MethodPost, "/ability/precheck", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"policyId":"cap"`)
}

func TestSchemaEndpoint(t *testing.T) {
	srv := newTestServer(&stubAbility{}, nil)

	rec := do(t, srv, http.MethodGet, "/ability/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"object"}`, rec.Body.String())
}

func TestPolicyEndpoints(t *testing.T) {
	srv := newTestServer(&stubAbility{}, nil)

	rec := do(t, srv, http.MethodGet, "/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"parallel":false,"policies":[{"id":"cap","type":"max_native_value"}]}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/policies/types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var types map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &types))
	assert.Contains(t, types, "max_native_value")

	rec = do(t, srv, http.MethodPost, "/policies/reload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	store := &stubAudit{entries: []audit.Entry{{
		ID:           1,
		Timestamp:    time.Now(),
		InvocationID: "inv-1",
		Mode:         "execute",
		ChainID:      1,
		Decision:     audit.DecisionSigned,
		Request:      json.RawMessage(`{"chainId":"1"}`),
	}}}
	srv := newTestServer(&stubAbility{}, store)

	rec := do(t, srv, http.MethodGet, "/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.EqualValues(t, 1, response["total"])

	store.err = errors.New("disk gone")
	rec = do(t, srv, http.MethodGet, "/audit", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuditRouteAbsentWithoutStore(t *testing.T) {
	srv := newTestServer(&stubAbility{}, nil)

	rec := do(t, srv, http.MethodGet, "/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	engine := policy.NewStaticEngine(false)
	srv := New(cfg, Deps{Ability: &stubAbility{}, Policies: engine})

	first := do(t, srv, http.MethodGet, "/health", nil)
	second := do(t, srv, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestServerShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 18888
	srv := New(cfg, Deps{Ability: &stubAbility{}, Policies: policy.NewStaticEngine(false)})

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, srv.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
