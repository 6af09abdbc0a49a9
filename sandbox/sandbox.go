// Package sandbox implements the Sandbox (C6): a hardened, per-request
// goja JavaScript context with gas-metered host bindings and deterministic
// interruption on gas exhaustion or wall-time overrun.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/R3E-Network/confidential-runtime/gas"
	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/secrets"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// State is the per-context lifecycle state named at §4.6's state machine.
type State string

const (
	StateFresh     State = "fresh"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateOutOfGas  State = "out-of-gas"
	StateTimedOut  State = "timed-out"
)

// forbiddenGlobals are shadowed with accessor traps that raise
// SecurityError on any touch, per §4.6's hardening list.
var forbiddenGlobals = []string{
	"document", "window", "globalThis", "XMLHttpRequest", "fetch",
	"WebSocket", "Worker", "eval", "Function", "Proxy", "constructor",
}

// frozenIntrinsics lists the intrinsic prototype chains to freeze once per
// context, per §4.6.
var frozenIntrinsics = []string{
	"Object", "Array", "String", "Number", "Boolean", "Function", "Date",
	"RegExp", "Error", "Math", "JSON",
}

// gasPollInterval is how often Run's gas watchdog checks the meter for a
// time-based lockout. It must be short enough that a binding-free busy loop
// (no Charge call ever gives the meter a cooperative tick) is still
// preempted promptly once its gas-based deadline passes.
const gasPollInterval = 5 * time.Millisecond

// Config configures a Context.
type Config struct {
	Runtime enclave.Runtime
	Secrets *secrets.Manager
	Meter   *gas.Meter
	Logger  *logger.Logger

	UserID     string
	MaxWallMS  int64
	// AllowedDigests, when non-nil, restricts execution to scripts whose
	// SHA-256 digest is a member — the strict-mode digest-allowlist named
	// in §4.6's "code integrity" paragraph.
	AllowedDigests map[string]struct{}

	// Profiler, when set, is notified of every host-binding call and its
	// gas cost. It never influences gas accounting, the result, or control
	// flow — it exists purely so an opt-in caller can see where a request
	// spent its host-binding time, per the additive profiling counters.
	Profiler Profiler
}

// Profiler receives one notification per host-binding call. Implementations
// must not block or panic; the sandbox does not recover from a profiler
// panic on the caller's behalf.
type Profiler interface {
	RecordBindingCall(name string, gasCost int64)
}

// Context is a single-use, per-request sandboxed JavaScript execution
// environment. Contexts do not share interpreter heap state with one
// another, per §4.7's concurrency requirement.
type Context struct {
	cfg   Config
	vm    *goja.Runtime
	log   *logger.Logger
	meter *gas.Meter

	mu          sync.Mutex
	state       State
	logs        []string
	digest      string
	memExceeded bool
	cancelled   bool

	pendingTimers []goja.Callable
}

// NewContext builds a fresh, hardened sandbox context. Hardening
// (prototype freezing, forbidden-global shadowing, safe timers) is applied
// once, here, before any user script runs.
func NewContext(cfg Config) (*Context, error) {
	if cfg.Meter == nil {
		return nil, fmt.Errorf("gas meter is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("sandbox")
	}

	vm := goja.New()
	c := &Context{cfg: cfg, vm: vm, log: log, meter: cfg.Meter, state: StateFresh}

	if err := c.harden(); err != nil {
		return nil, fmt.Errorf("harden sandbox: %w", err)
	}
	if err := c.installBindings(); err != nil {
		return nil, fmt.Errorf("install bindings: %w", err)
	}
	return c, nil
}

// harden freezes the intrinsic prototype chains and shadows forbidden
// globals with SecurityError-raising accessor traps.
func (c *Context) harden() error {
	var script strings.Builder
	for _, name := range frozenIntrinsics {
		fmt.Fprintf(&script, "Object.freeze(%s); Object.freeze(%s.prototype);\n", name, name)
	}
	for _, name := range forbiddenGlobals {
		fmt.Fprintf(&script, `Object.defineProperty(this, %q, {
			get: function() { throw new Error("SecurityError: access to '%s' is forbidden"); },
			set: function() { throw new Error("SecurityError: access to '%s' is forbidden"); },
			configurable: false
		});
`, name, name, name)
	}
	_, err := c.vm.RunString(script.String())
	return err
}

// Digest returns the SHA-256 digest (hex) of the last script Run executed,
// populated after Run is called.
func (c *Context) Digest() string { return c.digest }

// TriggerMemoryLimit interrupts the running script because an external
// watchdog (the Execution Core's RSS sampler) observed the process exceed
// its configured memory budget. goja has no built-in heap cap, so this is
// the host's only lever; Interrupt is safe to call from any goroutine.
func (c *Context) TriggerMemoryLimit() {
	c.mu.Lock()
	c.memExceeded = true
	c.mu.Unlock()
	c.vm.Interrupt("memory limit exceeded")
}

// Cancel implements §4.9's cancel(request) operation: idempotent, flips the
// meter to locked-out without charging, and raises the interpreter
// interrupt. The context still runs its normal cleanup once the interrupted
// call returns; the response carries Cancelled rather than TimeoutError.
func (c *Context) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.meter.LockOut()
	c.vm.Interrupt("execution cancelled")
}

// watchGas is the cooperative tick promised at §4.5/§4.6: the gas meter's
// time-based accrual only flips its own lockedOut flag, it never touches
// the running goja.Runtime, so a script that makes no host-binding calls
// (e.g. a pure `while (true) {}` loop) would otherwise never be charged or
// interrupted by gas at all and would run until the wall deadline
// regardless of its gas limit or time rate. Polling Used() forces the
// meter to fold in its pending time-based charge even with nothing else
// charging it; once locked out, Interrupt stops the script at its next
// interruption point exactly like TriggerMemoryLimit and Cancel do.
func (c *Context) watchGas(done <-chan struct{}) {
	ticker := time.NewTicker(gasPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.meter.Used()
			if c.meter.LockedOut() {
				c.vm.Interrupt("gas budget exhausted")
				return
			}
		case <-done:
			return
		}
	}
}

// State returns the context's current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run compiles and executes code, then invokes entryPoint(input), returning
// the JSON-serializable result. It enforces the digest allowlist (if
// configured), arms a wall-time watchdog, and maps every failure mode to
// the Kind taxonomy named in §4.7.
func (c *Context) Run(ctx context.Context, code, entryPoint string, input any) (result any, err error) {
	if c.State() != StateFresh {
		return nil, fmt.Errorf("sandbox context is not fresh")
	}

	sum := sha256.Sum256([]byte(code))
	c.digest = hex.EncodeToString(sum[:])
	if _, ok := c.cfg.AllowedDigests[c.digest]; c.cfg.AllowedDigests != nil && !ok {
		c.setState(StateFailed)
		return nil, types.NewRuntimeError(types.KindSecurityError,
			"script digest not in allowlist", types.ErrSecurityError, c.meter.Used(), c.meter.WallMS())
	}

	c.setState(StateRunning)

	maxWall := c.cfg.MaxWallMS
	if maxWall <= 0 {
		maxWall = 30_000
	}
	done := make(chan struct{})
	timedOut := make(chan struct{})
	go func() {
		select {
		case <-time.After(time.Duration(maxWall) * time.Millisecond):
			c.vm.Interrupt("execution wall-time exceeded")
			close(timedOut)
		case <-done:
		case <-ctx.Done():
			c.Cancel()
		}
	}()
	go c.watchGas(done)
	defer close(done)

	if _, err := c.vm.RunString(code); err != nil {
		return nil, c.mapError(err, timedOut)
	}

	entryFn, ok := goja.AssertFunction(c.vm.Get(entryPoint))
	if !ok {
		c.setState(StateFailed)
		return nil, types.NewRuntimeError(types.KindScriptError,
			fmt.Sprintf("entry point %q is not a function", entryPoint), nil, c.meter.Used(), c.meter.WallMS())
	}

	val, callErr := entryFn(goja.Undefined(), c.vm.ToValue(input))
	if callErr != nil {
		return nil, c.mapError(callErr, timedOut)
	}
	c.drainTimers()

	c.setState(StateCompleted)
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	exported := val.Export()
	// Round-trip through JSON so the result is guaranteed serializable at
	// the response boundary, matching the Execution Core's "serializing
	// back to JSON" step.
	raw, err := json.Marshal(exported)
	if err != nil {
		return exported, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return exported, nil
	}
	return out, nil
}

// mapError classifies a goja execution error into the taxonomy named at
// §4.7. A watchdog interrupt (wall timeout or time-accrued gas lockout)
// surfaces as a goja.InterruptedError, while a binding that runs out of gas
// throws; both are disambiguated by checking cancellation, memory, meter
// state and the timedOut channel before the error's own type.
func (c *Context) mapError(err error, timedOut chan struct{}) error {
	c.mu.Lock()
	cancelled := c.cancelled
	memExceeded := c.memExceeded
	c.mu.Unlock()

	if cancelled {
		c.setState(StateFailed)
		return types.NewRuntimeError(types.KindCancelled, "execution cancelled",
			types.ErrCancelled, c.meter.Used(), c.meter.WallMS())
	}

	if memExceeded {
		c.setState(StateFailed)
		return types.NewRuntimeError(types.KindMemoryError, "interpreter exceeded its memory budget",
			nil, c.meter.Used(), c.meter.WallMS())
	}

	if c.meter.LockedOut() {
		c.setState(StateOutOfGas)
		return types.NewRuntimeError(types.KindOutOfGas, "gas budget exhausted during execution",
			types.ErrOutOfGas, c.meter.Used(), c.meter.WallMS())
	}

	select {
	case <-timedOut:
		c.setState(StateTimedOut)
		return types.NewRuntimeError(types.KindTimeoutError, "execution exceeded wall-time limit",
			types.ErrTimeout, c.meter.Used(), c.meter.WallMS())
	default:
	}

	if _, ok := err.(*goja.InterruptedError); ok {
		c.setState(StateTimedOut)
		return types.NewRuntimeError(types.KindTimeoutError, "execution interrupted",
			types.ErrTimeout, c.meter.Used(), c.meter.WallMS())
	}

	if strings.Contains(err.Error(), "SecurityError") {
		c.setState(StateFailed)
		return types.NewRuntimeError(types.KindSecurityError, err.Error(),
			types.ErrSecurityError, c.meter.Used(), c.meter.WallMS())
	}

	c.setState(StateFailed)
	return types.NewRuntimeError(types.KindScriptError, err.Error(), err, c.meter.Used(), c.meter.WallMS())
}

// Dispose scrubs host-binding references and lets the interpreter's
// internal state be collected, per §4.7 step 6. The Go garbage collector
// handles the actual reclamation once c.vm drops out of scope; this method
// exists to make the scrub-intent explicit and break any closures holding
// onto request-scoped secrets/logger references.
func (c *Context) Dispose() {
	for _, name := range []string{"console", "getSecret", "verifyData", "generateRandomBytes",
		"setTimeout", "setInterval", "clearTimeout", "clearInterval"} {
		c.vm.Set(name, goja.Undefined())
	}
	c.pendingTimers = nil
	c.logs = nil
}

// Logs returns the lines accumulated via the sandbox's console.log binding.
func (c *Context) Logs() []string { return c.logs }

// profile notifies the configured Profiler, if any, of a host-binding call.
func (c *Context) profile(name string, cost int64) {
	if c.cfg.Profiler != nil {
		c.cfg.Profiler.RecordBindingCall(name, cost)
	}
}
