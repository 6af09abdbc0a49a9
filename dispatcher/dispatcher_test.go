package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/execution"
	"github.com/R3E-Network/confidential-runtime/secrets"
	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func newTestCore(t *testing.T) *execution.Core {
	t.Helper()
	ctx := context.Background()

	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "dispatcher-test"})
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

	core, err := execution.New(execution.Config{Runtime: rt, Secrets: mgr})
	require.NoError(t, err)
	return core
}

func TestExecuteReturnsResponseAndRequestID(t *testing.T) {
	d := New(Config{Core: newTestCore(t)})

	id, resp := d.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-1", UserID: "alice",
		Code: `function main() { return 1; }`, GasLimit: 10_000,
	})
	require.NotEmpty(t, id)
	require.True(t, resp.Success)
}

// The remaining concurrency tests exercise acquire()/release() directly
// rather than racing real goroutines against unpredictable JS interpreter
// throughput, so they are deterministic.

func TestAcquireTimesOutWhenNoPermitIsAvailable(t *testing.T) {
	d := New(Config{Core: newTestCore(t), MaxConcurrent: 1, AcquireTimeout: 20 * time.Millisecond})

	require.NoError(t, d.acquire(context.Background())) // takes the only permit

	err := d.acquire(context.Background())
	require.Error(t, err)
	rerr, ok := err.(*types.RuntimeError)
	require.True(t, ok)
	require.Equal(t, types.KindOverload, rerr.Kind)
}

func TestAcquireFailsFastWhenQueueCapacityReached(t *testing.T) {
	d := New(Config{Core: newTestCore(t), MaxConcurrent: 1, QueueCapacity: 1, AcquireTimeout: 2 * time.Second})

	require.NoError(t, d.acquire(context.Background())) // the one permit is taken
	atomic.AddInt32(&d.waiting, 1)                      // simulate one request already queued

	start := time.Now()
	err := d.acquire(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	rerr, ok := err.(*types.RuntimeError)
	require.True(t, ok)
	require.Equal(t, types.KindOverload, rerr.Kind)
	require.Less(t, elapsed, 100*time.Millisecond, "queue-full rejection must be immediate, not wait for AcquireTimeout")
}

func TestReleaseReturnsPermitForReuse(t *testing.T) {
	d := New(Config{Core: newTestCore(t), MaxConcurrent: 1, AcquireTimeout: 2 * time.Second})

	require.NoError(t, d.acquire(context.Background()))
	d.release()
	require.NoError(t, d.acquire(context.Background()))
}

func TestUnboundedConcurrencyNeverBlocks(t *testing.T) {
	d := New(Config{Core: newTestCore(t)})
	for i := 0; i < 5; i++ {
		require.NoError(t, d.acquire(context.Background()))
	}
}

func TestAdmissionRateLimitReturnsOverload(t *testing.T) {
	d := New(Config{Core: newTestCore(t), RequestsPerSecond: 1, Burst: 1})

	_, first := d.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-1", UserID: "alice",
		Code: `function main() { return 1; }`, GasLimit: 10_000,
	})
	require.True(t, first.Success)

	_, second := d.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-1", UserID: "alice",
		Code: `function main() { return 1; }`, GasLimit: 10_000,
	})
	require.False(t, second.Success)
	require.Equal(t, types.KindOverload, second.ErrorKind)
}

func TestAdmissionRateLimitIsPerUser(t *testing.T) {
	d := New(Config{Core: newTestCore(t), RequestsPerSecond: 1, Burst: 1})

	_, a := d.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-1", UserID: "alice",
		Code: `function main() { return 1; }`, GasLimit: 10_000,
	})
	require.True(t, a.Success)

	_, b := d.Execute(context.Background(), types.ExecutionRequest{
		FunctionID: "fn-1", UserID: "bob",
		Code: `function main() { return 1; }`, GasLimit: 10_000,
	})
	require.True(t, b.Success)
}

func TestCancelOnUnknownRequestIDIsNoop(t *testing.T) {
	d := New(Config{Core: newTestCore(t)})
	require.NotPanics(t, func() { d.Cancel("does-not-exist") })
}

func TestCancelStopsLongRunningRequest(t *testing.T) {
	d := New(Config{Core: newTestCore(t)})

	var id string
	var resp types.ExecutionResponse
	done := make(chan struct{})
	go func() {
		id, resp = d.Execute(context.Background(), types.ExecutionRequest{
			FunctionID: "fn-cancel", UserID: "alice",
			Code: `function main() { while (true) {} }`, GasLimit: 10_000_000, MaxWallMS: 30_000,
		})
		close(done)
	}()

	// Poll the registered cancel functions until the one for this call
	// shows up, then cancel it — bounded by a generous overall timeout so
	// the test fails loudly instead of hanging if registration never
	// happens.
	deadline := time.After(2 * time.Second)
	for {
		d.cancelMu.Lock()
		n := len(d.cancels)
		var anyID string
		for k := range d.cancels {
			anyID = k
		}
		d.cancelMu.Unlock()
		if n > 0 {
			d.Cancel(anyID)
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never registered a cancel function")
		case <-time.After(time.Millisecond):
		}
	}

	<-done
	require.NotEmpty(t, id)
	require.False(t, resp.Success)
	require.Equal(t, types.KindCancelled, resp.ErrorKind)
}
