// Package execution implements the Execution Core (C7): the per-request
// flow that turns a validated ExecutionRequest into a fresh, hardened
// sandbox run and a JSON-serializable ExecutionResponse, per §4.7.
package execution

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/confidential-runtime/gas"
	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/sandbox"
	"github.com/R3E-Network/confidential-runtime/secrets"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// Limits bounds the values a request may ask for, enforced at validation
// time per §4.7 step 1 ("limits within device maxima").
type Limits struct {
	MaxGasLimit          int64
	MaxWallMS            int64
	MaxMemoryBytes       int64
	GasTimeRate          int64 // units/ms accrued while a request runs, shared across requests
	MemorySampleInterval time.Duration
}

// DefaultLimits matches the device maxima named in spec.md §4: generous
// enough for real workloads, small enough that a single bad request can't
// starve the host process.
func DefaultLimits() Limits {
	return Limits{
		MaxGasLimit:          50_000_000,
		MaxWallMS:            30_000,
		MaxMemoryBytes:       256 * 1024 * 1024,
		GasTimeRate:          0,
		MemorySampleInterval: 25 * time.Millisecond,
	}
}

// MetricsSink receives one record per completed request, on both the
// success and failure path, per §4.7 step 5. The Execution Core only
// depends on this interface, not on the Metrics & Audit package directly,
// so a caller that doesn't want metrics can pass nil.
type MetricsSink interface {
	RecordSuccess(rec SuccessRecord)
	RecordFailure(rec FailureRecord)
}

// SuccessRecord is written once a request completes without error.
type SuccessRecord struct {
	FunctionID string
	UserID     string
	GasUsed    int64
	WallMS     int64
}

// FailureRecord is written once a request terminates with an error.
type FailureRecord struct {
	FunctionID    string
	UserID        string
	ErrorKind     types.Kind
	Message       string
	GasUsedAtFail int64
	WallMS        int64
}

// Core wires the Gas Meter (C5), Sandbox (C6) and Secret Manager (C4)
// together into the per-request execution flow.
type Core struct {
	runtime enclave.Runtime
	secrets *secrets.Manager
	log     *logger.Logger
	limits  Limits
	metrics MetricsSink

	allowedDigests map[string]struct{}
	profiler       sandbox.Profiler
}

// Config configures a Core.
type Config struct {
	Runtime enclave.Runtime
	Secrets *secrets.Manager
	Logger  *logger.Logger
	Limits  Limits
	Metrics MetricsSink

	// AllowedDigests, when non-nil, is threaded into every sandbox context
	// this Core builds, enforcing the strict-mode digest allowlist across
	// every request the Core serves.
	AllowedDigests map[string]struct{}

	// Profiler, when set, is attached to every sandbox context whose
	// request asks for EnableProfiling — the additive host-binding
	// profiling counters never affect gas accounting or the result.
	Profiler sandbox.Profiler
}

// New builds an Execution Core.
func New(cfg Config) (*Core, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("execution core: runtime is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("execution")
	}
	limits := cfg.Limits
	if limits.MaxGasLimit == 0 {
		limits = DefaultLimits()
	}
	return &Core{
		runtime:        cfg.Runtime,
		secrets:        cfg.Secrets,
		log:            log,
		limits:         limits,
		metrics:        cfg.Metrics,
		allowedDigests: cfg.AllowedDigests,
		profiler:       cfg.Profiler,
	}, nil
}

// Execute runs one request to completion, per §4.7's six-step flow.
func (c *Core) Execute(ctx context.Context, req types.ExecutionRequest) types.ExecutionResponse {
	return c.execute(ctx, req, nil)
}

// ExecuteCancellable is Execute plus a hook invoked with a cancel function
// the instant the sandbox context exists, letting a caller (the Dispatcher)
// register it under a request id before the run begins, per §4.9's
// cancel(request) contract.
func (c *Core) ExecuteCancellable(ctx context.Context, req types.ExecutionRequest, onStart func(cancel func())) types.ExecutionResponse {
	return c.execute(ctx, req, onStart)
}

func (c *Core) execute(ctx context.Context, req types.ExecutionRequest, onStart func(cancel func())) types.ExecutionResponse {
	if err := c.validate(req); err != nil {
		c.recordFailure(req, err, 0, 0)
		return responseFromError(err)
	}

	gasLimit := req.GasLimit
	if gasLimit <= 0 || gasLimit > c.limits.MaxGasLimit {
		gasLimit = c.limits.MaxGasLimit
	}
	maxWallMS := req.MaxWallMS
	if maxWallMS <= 0 || maxWallMS > c.limits.MaxWallMS {
		maxWallMS = c.limits.MaxWallMS
	}

	meter := gas.New(gas.Config{Limit: gasLimit, TimeRate: c.limits.GasTimeRate})
	defer meter.Close()

	var profiler sandbox.Profiler
	if req.EnableProfiling {
		profiler = c.profiler
	}

	sc, err := sandbox.NewContext(sandbox.Config{
		Runtime:        c.runtime,
		Secrets:        c.secrets,
		Meter:          meter,
		Logger:         c.log,
		UserID:         req.UserID,
		MaxWallMS:      maxWallMS,
		AllowedDigests: c.allowedDigests,
		Profiler:       profiler,
	})
	if err != nil {
		wrapped := types.NewRuntimeError(types.KindSystemError, "failed to build sandbox context", err, 0, 0)
		c.recordFailure(req, wrapped, 0, 0)
		return responseFromError(wrapped)
	}
	defer sc.Dispose()

	if onStart != nil {
		onStart(sc.Cancel)
	}

	stopWatch := c.watchMemory(sc)
	defer stopWatch()

	result, runErr := sc.Run(ctx, req.Code, "main", req.Input)
	gasUsed := meter.Used()
	wallMS := meter.WallMS()

	if runErr != nil {
		c.recordFailure(req, runErr, gasUsed, wallMS)
		resp := responseFromError(runErr)
		resp.GasUsed = gasUsed
		resp.WallMS = wallMS
		resp.EnclaveID = c.runtime.EnclaveID()
		return resp
	}

	c.recordSuccess(req, gasUsed, wallMS)
	return types.ExecutionResponse{
		Success:   true,
		Result:    result,
		GasUsed:   gasUsed,
		WallMS:    wallMS,
		EnclaveID: c.runtime.EnclaveID(),
	}
}

// validate checks the request against §4.7 step 1: non-empty code,
// recognized secret names, limits within device maxima.
func (c *Core) validate(req types.ExecutionRequest) error {
	if req.Code == "" {
		return types.NewRuntimeError(types.KindInvalidRequest, "code must not be empty", types.ErrInvalidRequest, 0, 0)
	}
	if req.UserID == "" {
		return types.NewRuntimeError(types.KindInvalidRequest, "user_id must not be empty", types.ErrInvalidRequest, 0, 0)
	}
	if req.GasLimit < 0 || req.GasLimit > c.limits.MaxGasLimit {
		return types.NewRuntimeError(types.KindInvalidRequest,
			fmt.Sprintf("gas_limit exceeds device maximum of %d", c.limits.MaxGasLimit), types.ErrInvalidRequest, 0, 0)
	}
	if req.MaxWallMS < 0 || req.MaxWallMS > c.limits.MaxWallMS {
		return types.NewRuntimeError(types.KindInvalidRequest,
			fmt.Sprintf("max_wall_ms exceeds device maximum of %d", c.limits.MaxWallMS), types.ErrInvalidRequest, 0, 0)
	}
	if c.secrets != nil {
		for _, name := range req.SecretNames {
			ok, err := c.secrets.Exists(context.Background(), req.UserID, name)
			if err != nil {
				return types.NewRuntimeError(types.KindSystemError, "failed to check secret existence", err, 0, 0)
			}
			if !ok {
				return types.NewRuntimeError(types.KindNotFound,
					fmt.Sprintf("secret %q is not registered for this user", name), types.ErrNotFound, 0, 0)
			}
		}
	}
	return nil
}

// watchMemory samples this process's own RSS (the sandbox's goja heap has
// no independent cap, so the host's RSS is the only signal available) and
// interrupts the sandbox context if it exceeds the configured budget. It
// returns a stop function that must be called once the request finishes.
func (c *Core) watchMemory(sc *sandbox.Context) (stop func()) {
	if c.limits.MaxMemoryBytes <= 0 {
		return func() {}
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.log.WithField("error", err).Warn("memory watchdog disabled: could not open self process handle")
		return func() {}
	}

	interval := c.limits.MemorySampleInterval
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				info, err := proc.MemoryInfo()
				if err != nil {
					continue
				}
				if int64(info.RSS) > c.limits.MaxMemoryBytes {
					sc.TriggerMemoryLimit()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *Core) recordSuccess(req types.ExecutionRequest, gasUsed, wallMS int64) {
	if c.metrics == nil || !req.EnableMetrics {
		return
	}
	c.metrics.RecordSuccess(SuccessRecord{
		FunctionID: req.FunctionID,
		UserID:     req.UserID,
		GasUsed:    gasUsed,
		WallMS:     wallMS,
	})
}

func (c *Core) recordFailure(req types.ExecutionRequest, err error, gasUsed, wallMS int64) {
	if c.metrics == nil {
		return
	}
	kind, msg := classify(err)
	c.metrics.RecordFailure(FailureRecord{
		FunctionID:    req.FunctionID,
		UserID:        req.UserID,
		ErrorKind:     kind,
		Message:       msg,
		GasUsedAtFail: gasUsed,
		WallMS:        wallMS,
	})
}

func classify(err error) (types.Kind, string) {
	if rerr, ok := err.(*types.RuntimeError); ok {
		return rerr.Kind, rerr.Message
	}
	return types.KindSystemError, err.Error()
}

func responseFromError(err error) types.ExecutionResponse {
	kind, msg := classify(err)
	resp := types.ExecutionResponse{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: msg,
	}
	if rerr, ok := err.(*types.RuntimeError); ok {
		resp.GasUsed = rerr.GasUsed
		resp.WallMS = rerr.WallMS
	}
	return resp
}
