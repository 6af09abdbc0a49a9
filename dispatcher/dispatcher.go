// Package dispatcher implements the Request Dispatcher (C9): the single
// `execute(request) -> response` entry point that enforces bounded
// concurrency, a bounded FIFO queue, per-user admission rate limiting, and
// idempotent cancellation of in-flight requests.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/confidential-runtime/execution"
	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// Config configures a Dispatcher.
type Config struct {
	Core   *execution.Core
	Logger *logger.Logger

	// MaxConcurrent bounds simultaneous executions. 0 means unlimited.
	MaxConcurrent int
	// QueueCapacity bounds requests waiting for a concurrency slot; beyond
	// it, Dispatch fails fast with Overload. 0 means unlimited queueing.
	QueueCapacity int
	// AcquireTimeout bounds how long Dispatch waits for a slot before
	// failing with Overload. 0 means wait indefinitely (bounded only by
	// ctx and QueueCapacity).
	AcquireTimeout time.Duration

	// RequestsPerSecond and Burst configure the per-user admission limiter.
	// RequestsPerSecond <= 0 disables admission limiting entirely.
	RequestsPerSecond float64
	Burst             int
}

// Dispatcher implements the Request Dispatcher (C9).
type Dispatcher struct {
	core *execution.Core
	log  *logger.Logger

	maxConcurrent  int
	queueCapacity  int
	acquireTimeout time.Duration

	mu      sync.Mutex
	permits chan struct{}
	waiting int32
	closed  bool

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	burst     int

	cancelMu sync.Mutex
	cancels  map[string]func()
}

// New builds a Dispatcher in front of core.
func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}

	d := &Dispatcher{
		core:           cfg.Core,
		log:            log,
		maxConcurrent:  cfg.MaxConcurrent,
		queueCapacity:  cfg.QueueCapacity,
		acquireTimeout: cfg.AcquireTimeout,
		limiters:       make(map[string]*rate.Limiter),
		rateLimit:      rate.Limit(cfg.RequestsPerSecond),
		burst:          cfg.Burst,
		cancels:        make(map[string]func()),
	}

	if cfg.MaxConcurrent > 0 {
		d.permits = make(chan struct{}, cfg.MaxConcurrent)
		for i := 0; i < cfg.MaxConcurrent; i++ {
			d.permits <- struct{}{}
		}
	}
	return d
}

// Execute is the single contracted operation: admit, acquire a concurrency
// slot (or fail fast with Overload), run through the Execution Core, and
// release. The returned request id can be passed to Cancel while the
// request is still in flight.
func (d *Dispatcher) Execute(ctx context.Context, req types.ExecutionRequest) (string, types.ExecutionResponse) {
	requestID := uuid.NewString()

	if d.rateLimit > 0 && !d.getLimiter(req.UserID).Allow() {
		return requestID, overloadResponse("admission rate limit exceeded for user")
	}

	if err := d.acquire(ctx); err != nil {
		return requestID, overloadResponse(err.Error())
	}
	defer d.release()

	resp := d.core.ExecuteCancellable(ctx, req, func(cancel func()) {
		d.registerCancel(requestID, cancel)
	})
	d.unregisterCancel(requestID)
	return requestID, resp
}

// Cancel implements §4.9's cancel(request): idempotent, a no-op once the
// request has already terminated or was never registered (e.g. it failed
// validation before a sandbox context existed).
func (d *Dispatcher) Cancel(requestID string) {
	d.cancelMu.Lock()
	cancel, ok := d.cancels[requestID]
	d.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Dispatcher) registerCancel(requestID string, cancel func()) {
	d.cancelMu.Lock()
	d.cancels[requestID] = cancel
	d.cancelMu.Unlock()
}

func (d *Dispatcher) unregisterCancel(requestID string) {
	d.cancelMu.Lock()
	delete(d.cancels, requestID)
	d.cancelMu.Unlock()
}

// acquire enforces the bounded concurrency + bounded queue contract,
// mirroring the permit-channel/queue-counter shape of a token-bucket
// concurrency limiter: a pre-filled buffered channel of permits, a waiting
// counter checked against QueueCapacity before joining the queue at all.
func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.maxConcurrent <= 0 {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return types.NewRuntimeError(types.KindOverload, "dispatcher is shutting down", types.ErrOverload, 0, 0)
	}
	if d.queueCapacity > 0 && int(atomic.LoadInt32(&d.waiting)) >= d.queueCapacity {
		d.mu.Unlock()
		return types.NewRuntimeError(types.KindOverload, "dispatch queue is full", types.ErrOverload, 0, 0)
	}
	atomic.AddInt32(&d.waiting, 1)
	d.mu.Unlock()
	defer atomic.AddInt32(&d.waiting, -1)

	var timeoutCh <-chan time.Time
	if d.acquireTimeout > 0 {
		timer := time.NewTimer(d.acquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-d.permits:
		return nil
	case <-ctx.Done():
		return types.NewRuntimeError(types.KindOverload, "cancelled while waiting for a dispatch slot", types.ErrOverload, 0, 0)
	case <-timeoutCh:
		return types.NewRuntimeError(types.KindOverload, "timed out waiting for a dispatch slot", types.ErrOverload, 0, 0)
	}
}

func (d *Dispatcher) release() {
	if d.maxConcurrent <= 0 {
		return
	}
	d.mu.Lock()
	if !d.closed {
		select {
		case d.permits <- struct{}{}:
		default:
		}
	}
	d.mu.Unlock()
}

// getLimiter returns (creating if absent) the per-user token-bucket
// limiter backing admission control.
func (d *Dispatcher) getLimiter(userID string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	l, ok := d.limiters[userID]
	if !ok {
		l = rate.NewLimiter(d.rateLimit, d.burst)
		d.limiters[userID] = l
	}
	return l
}

// CleanupLimiters bounds per-user limiter memory growth; call periodically
// from a background ticker in long-running deployments.
func (d *Dispatcher) CleanupLimiters(maxEntries int) {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	if len(d.limiters) > maxEntries {
		d.limiters = make(map[string]*rate.Limiter)
	}
}

// Close stops accepting new work; in-flight requests run to completion.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.permits != nil {
		close(d.permits)
	}
}

func overloadResponse(message string) types.ExecutionResponse {
	return types.ExecutionResponse{
		Success:      false,
		ErrorKind:    types.KindOverload,
		ErrorMessage: message,
	}
}
