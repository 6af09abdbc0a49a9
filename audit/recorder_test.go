package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/execution"
	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	ctx := context.Background()

	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "audit-test"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(ctx))

	dev, err := storage.NewFileDevice(storage.FileDeviceConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	engine, err := storage.NewEngine(ctx, storage.EngineConfig{
		Device: dev, Runtime: rt, EnableEncryption: true, MaxChunkSize: 4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return NewRecorder(engine, nil)
}

func TestRecordSuccessPersistsRecord(t *testing.T) {
	rec := newTestRecorder(t)
	rec.RecordSuccess(execution.SuccessRecord{FunctionID: "fn-1", UserID: "alice", GasUsed: 42, WallMS: 7})

	keys, err := rec.engine.List(context.Background(), "metrics/fn-1/alice/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestRecordFailurePersistsRecordAndSummary(t *testing.T) {
	rec := newTestRecorder(t)
	rec.RecordFailure(execution.FailureRecord{
		FunctionID: "fn-2", UserID: "bob", ErrorKind: types.KindScriptError,
		Message: "boom", GasUsedAtFail: 5, WallMS: 3,
	})

	summaries, err := rec.FailureSummaries(context.Background(), "fn-2", 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Contains(t, summaries[0], "ScriptError")
	require.Contains(t, summaries[0], "boom")
	require.Contains(t, summaries[0], "bob")
}

func TestRecordBindingCallIsSafeToRepeat(t *testing.T) {
	rec := newTestRecorder(t)
	require.NotPanics(t, func() {
		rec.RecordBindingCall("getSecret", 50)
		rec.RecordBindingCall("getSecret", 50)
	})
}

func TestOnIntegrityAlertPersistsAlert(t *testing.T) {
	rec := newTestRecorder(t)
	rec.OnIntegrityAlert("secret/alice/apiKey", 3)

	keys, err := rec.engine.List(context.Background(), "integrity-alerts/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestFunctionIDWithSlashIsSanitized(t *testing.T) {
	rec := newTestRecorder(t)
	rec.RecordSuccess(execution.SuccessRecord{FunctionID: "team/fn", UserID: "alice", GasUsed: 1, WallMS: 1})

	keys, err := rec.engine.List(context.Background(), "metrics/team_fn/alice/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
