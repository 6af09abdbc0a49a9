package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/secrets"
	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

type recordingSink struct {
	successes []SuccessRecord
	failures  []FailureRecord
}

func (r *recordingSink) RecordSuccess(rec SuccessRecord) { r.successes = append(r.successes, rec) }
func (r *recordingSink) RecordFailure(rec FailureRecord) { r.failures = append(r.failures, rec) }

func newTestCore(t *testing.T, sink MetricsSink) *Core {
	t.Helper()
	ctx := context.Background()

	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "execution-test"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(ctx))

	dev, err := storage.NewFileDevice(storage.FileDeviceConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	engine, err := storage.NewEngine(ctx, storage.EngineConfig{
		Device: dev, Runtime: rt, EnableEncryption: true, MaxChunkSize: 4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	mgr, err := secrets.New(ctx, engine, rt, nil)
	require.NoError(t, err)

	limits := DefaultLimits()
	limits.MaxMemoryBytes = 0 // memory watchdog exercised separately; keep these tests deterministic

	core, err := New(Config{Runtime: rt, Secrets: mgr, Limits: limits, Metrics: sink})
	require.NoError(t, err)
	return core
}

func TestExecuteReturnsResultOnSuccess(t *testing.T) {
	sink := &recordingSink{}
	core := newTestCore(t, sink)

	resp := core.Execute(context.Background(), types.ExecutionRequest{
		FunctionID:    "fn-1",
		UserID:        "alice",
		Code:          `function main(input) { return input.x + 1; }`,
		Input:         map[string]any{"x": 41},
		GasLimit:      10_000,
		EnableMetrics: true,
	})

	require.True(t, resp.Success)
	require.EqualValues(t, 42, resp.Result)
	require.Greater(t, resp.GasUsed, int64(0))
	require.Empty(t, resp.ErrorKind)
	require.Len(t, sink.successes, 1)
	require.Equal(t, "fn-1", sink.successes[0].FunctionID)
}

func TestExecuteRejectsEmptyCode(t *testing.T) {
	sink := &recordingSink{}
	core := newTestCore(t, sink)

	resp := core.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-2",
		UserID:     "alice",
		Code:       "",
	})

	require.False(t, resp.Success)
	require.Equal(t, types.KindInvalidRequest, resp.ErrorKind)
	require.Len(t, sink.failures, 1)
}

func TestExecuteRejectsUnregisteredSecret(t *testing.T) {
	sink := &recordingSink{}
	core := newTestCore(t, sink)

	resp := core.Execute(context.Background(), types.ExecutionRequest{
		FunctionID:  "fn-3",
		UserID:      "alice",
		Code:        `function main() { return 1; }`,
		SecretNames: []string{"missingKey"},
		GasLimit:    10_000,
	})

	require.False(t, resp.Success)
	require.Equal(t, types.KindNotFound, resp.ErrorKind)
}

func TestExecuteMapsOutOfGasFailure(t *testing.T) {
	sink := &recordingSink{}
	core := newTestCore(t, sink)

	resp := core.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-4",
		UserID:     "alice",
		Code: `function main() {
			for (var i = 0; i < 1000; i++) { console.log(i); }
			return 1;
		}`,
		GasLimit: 5,
	})

	require.False(t, resp.Success)
	require.Equal(t, types.KindOutOfGas, resp.ErrorKind)
	require.Len(t, sink.failures, 1)
	require.Equal(t, types.KindOutOfGas, sink.failures[0].ErrorKind)
}

func TestExecuteMapsScriptThrowFailure(t *testing.T) {
	sink := &recordingSink{}
	core := newTestCore(t, sink)

	resp := core.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-5",
		UserID:     "alice",
		Code:       `function main() { throw new Error("boom"); }`,
		GasLimit:   10_000,
	})

	require.False(t, resp.Success)
	require.Equal(t, types.KindScriptError, resp.ErrorKind)
}

func TestExecuteGetSecretResolvesRegisteredSecret(t *testing.T) {
	sink := &recordingSink{}
	core := newTestCore(t, sink)

	require.NoError(t, core.secrets.Put(context.Background(), "alice", "apiKey", []byte("sekrit")))

	resp := core.Execute(context.Background(), types.ExecutionRequest{
		FunctionID:  "fn-6",
		UserID:      "alice",
		Code:        `function main() { return getSecret("apiKey"); }`,
		SecretNames: []string{"apiKey"},
		GasLimit:    10_000,
	})

	require.True(t, resp.Success)
	require.Equal(t, "sekrit", resp.Result)
}

func TestExecuteTimesOutOnWallDeadline(t *testing.T) {
	sink := &recordingSink{}
	core := newTestCore(t, sink)

	resp := core.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-7",
		UserID:     "alice",
		Code:       `function main() { while (true) {} }`,
		GasLimit:   10_000_000,
		MaxWallMS:  50,
	})

	require.False(t, resp.Success)
	require.Equal(t, types.KindTimeoutError, resp.ErrorKind)
}
