package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Config{
		EnclaveID:   "runtime-test",
		Mode:        enclave.ModeSimulation,
		DebugMode:   true,
		StoragePath: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt
}

func TestNewRejectsMissingEnclaveID(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStartIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Start(context.Background()))
}

func TestHealthReflectsReadiness(t *testing.T) {
	rt, err := New(Config{EnclaveID: "health-test", StoragePath: t.TempDir()})
	require.NoError(t, err)
	require.ErrorIs(t, rt.Health(context.Background()), types.ErrEnclaveNotReady)

	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Health(context.Background()))
}

func TestExecuteRunsThroughTheFullStack(t *testing.T) {
	rt := newTestRuntime(t)

	requestID, resp := rt.Execute(context.Background(), types.ExecutionRequest{
		FunctionID:    "fn-1",
		UserID:        "alice",
		Code:          `function main(input) { return input.x + 1; }`,
		Input:         map[string]any{"x": 41},
		GasLimit:      10_000,
		EnableMetrics: true,
	})

	require.NotEmpty(t, requestID)
	require.True(t, resp.Success)
	require.EqualValues(t, 42, resp.Result)
}

func TestExecuteResolvesSecretsRegisteredViaAccessor(t *testing.T) {
	rt := newTestRuntime(t)

	require.NoError(t, rt.Secrets().Put(context.Background(), "alice", "apiKey", []byte("sekrit")))

	_, resp := rt.Execute(context.Background(), types.ExecutionRequest{
		FunctionID:  "fn-2",
		UserID:      "alice",
		Code:        `function main() { return getSecret("apiKey"); }`,
		SecretNames: []string{"apiKey"},
		GasLimit:    10_000,
	})

	require.True(t, resp.Success)
	require.Equal(t, "sekrit", resp.Result)
}

func TestAttestationReturnsMeasurements(t *testing.T) {
	rt := newTestRuntime(t)

	bundle, err := rt.Attestation(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, enclave.ModeSimulation, bundle.Mode)
}

func TestStopShutsDownCleanly(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Stop(context.Background()))
	require.ErrorIs(t, rt.Health(context.Background()), types.ErrEnclaveNotReady)
}
