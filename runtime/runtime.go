// Package runtime is the composition root for the confidential execution
// runtime: it builds and wires the TEE Boundary (C1), Persistent Storage
// Engine (C2/C3), Secret Manager (C4), Execution Core (C7), Metrics &
// Audit (C8) and Request Dispatcher (C9) into one constructible object.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/confidential-runtime/audit"
	"github.com/R3E-Network/confidential-runtime/dispatcher"
	"github.com/R3E-Network/confidential-runtime/execution"
	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/secrets"
	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/attestation"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// Config holds everything needed to stand up a Runtime.
type Config struct {
	// EnclaveID identifies this enclave instance; required.
	EnclaveID string
	// Mode selects simulation or hardware attestation. Defaults to
	// simulation when empty.
	Mode           enclave.Mode
	SealingKeyPath string
	DebugMode      bool

	// StoragePath is the base directory the Persistent Storage Engine's
	// file device writes sealed chunks under.
	StoragePath       string
	EnableCompression bool
	MaxChunkSize      int
	EnableCaching     bool
	CacheSizeBytes    int64

	// AllowedDigests, when non-nil, turns on strict-mode code-integrity
	// enforcement for every request this Runtime serves.
	AllowedDigests map[string]struct{}

	Limits execution.Limits

	// Dispatcher admission controls; see dispatcher.Config for defaults.
	MaxConcurrent     int
	QueueCapacity     int
	AcquireTimeout    int64 // milliseconds
	RequestsPerSecond float64
	Burst             int

	Logger *logger.Logger
}

// Runtime is the fully wired confidential execution runtime: one
// constructible object fronting the Dispatcher, with accessors for the
// layers beneath it for operational use (health checks, secret
// provisioning, metrics scraping).
type Runtime struct {
	mu    sync.RWMutex
	ready bool

	cfg Config
	log *logger.Logger

	enclaveRT enclave.Runtime
	storage   *storage.Engine
	secretMgr *secrets.Manager
	recorder  *audit.Recorder
	core      *execution.Core
	dispatch  *dispatcher.Dispatcher
	attestor  *attestation.Attestor
}

// New validates cfg and constructs a Runtime but does not start it; the
// subsystems are built by Start.
func New(cfg Config) (*Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("runtime: enclave id is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = enclave.ModeSimulation
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("runtime")
	}
	return &Runtime{cfg: cfg, log: log}, nil
}

// Start builds every subsystem in dependency order and leaves the Runtime
// ready to serve Execute calls. Idempotent: a second call on an already
// ready Runtime is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}

	enclaveRT, err := enclave.New(enclave.Config{
		Mode:           r.cfg.Mode,
		EnclaveID:      r.cfg.EnclaveID,
		SealingKeyPath: r.cfg.SealingKeyPath,
		DebugMode:      r.cfg.DebugMode,
	})
	if err != nil {
		return fmt.Errorf("create enclave runtime: %w", err)
	}
	if err := enclaveRT.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize enclave runtime: %w", err)
	}
	r.enclaveRT = enclaveRT
	if enclaveRT.Mode() != enclave.ModeHardware {
		r.log.Warn("simulation mode: the sealing key is ephemeral, data sealed by this process cannot be unsealed after a restart")
	}

	device, err := storage.NewFileDevice(storage.FileDeviceConfig{BasePath: r.cfg.StoragePath})
	if err != nil {
		return fmt.Errorf("create storage device: %w", err)
	}

	// The recorder needs the storage engine to persist metrics/failures/
	// alerts into, but the engine's IntegrityAlertFn needs to be supplied at
	// construction time, before the recorder can exist. Close over a
	// pointer the recorder is assigned into once the engine is built,
	// rather than constructing the engine twice.
	var recorder *audit.Recorder
	engine, err := storage.NewEngine(ctx, storage.EngineConfig{
		Device:            device,
		Runtime:           enclaveRT,
		Logger:            r.log,
		EnableEncryption:  true,
		EnableCompression: r.cfg.EnableCompression,
		MaxChunkSize:      r.cfg.MaxChunkSize,
		EnableCaching:     r.cfg.EnableCaching,
		CacheSizeBytes:    r.cfg.CacheSizeBytes,
		IntegrityAlertFn: func(key string, failures int) {
			if recorder != nil {
				recorder.OnIntegrityAlert(key, failures)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("create storage engine: %w", err)
	}
	r.storage = engine
	recorder = audit.NewRecorder(engine, r.log)
	r.recorder = recorder

	secretMgr, err := secrets.New(ctx, engine, enclaveRT, r.log)
	if err != nil {
		return fmt.Errorf("create secret manager: %w", err)
	}
	r.secretMgr = secretMgr

	core, err := execution.New(execution.Config{
		Runtime:        enclaveRT,
		Secrets:        secretMgr,
		Logger:         r.log,
		Limits:         r.cfg.Limits,
		Metrics:        recorder,
		AllowedDigests: r.cfg.AllowedDigests,
		Profiler:       recorder,
	})
	if err != nil {
		return fmt.Errorf("create execution core: %w", err)
	}
	r.core = core

	attestor, err := attestation.New(attestation.Config{Runtime: enclaveRT, EnclaveID: r.cfg.EnclaveID})
	if err != nil {
		return fmt.Errorf("create attestor: %w", err)
	}
	r.attestor = attestor

	r.dispatch = dispatcher.New(dispatcher.Config{
		Core:              core,
		Logger:            r.log,
		MaxConcurrent:     r.cfg.MaxConcurrent,
		QueueCapacity:     r.cfg.QueueCapacity,
		AcquireTimeout:    time.Duration(r.cfg.AcquireTimeout) * time.Millisecond,
		RequestsPerSecond: r.cfg.RequestsPerSecond,
		Burst:             r.cfg.Burst,
	})

	r.ready = true
	return nil
}

// Stop closes the Dispatcher, then closes the storage engine and shuts
// down the enclave runtime.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}
	if r.dispatch != nil {
		r.dispatch.Close()
	}
	if r.storage != nil {
		if err := r.storage.Close(); err != nil {
			return fmt.Errorf("close storage engine: %w", err)
		}
	}
	if err := r.enclaveRT.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown enclave runtime: %w", err)
	}
	r.ready = false
	return nil
}

// Health reports whether the Runtime is ready to serve requests.
func (r *Runtime) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return types.ErrEnclaveNotReady
	}
	return r.enclaveRT.Health(ctx)
}

// Execute dispatches a single request and returns its assigned request id
// alongside the response; the id can be passed to Cancel while the
// request is in flight.
func (r *Runtime) Execute(ctx context.Context, req types.ExecutionRequest) (string, types.ExecutionResponse) {
	return r.dispatch.Execute(ctx, req)
}

// Cancel stops an in-flight request started by Execute, per §4.9.
func (r *Runtime) Cancel(requestID string) {
	r.dispatch.Cancel(requestID)
}

// Secrets exposes the Secret Manager for out-of-band provisioning (e.g. an
// admin API registering a secret before a function that reads it runs).
func (r *Runtime) Secrets() *secrets.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secretMgr
}

// EnclaveID returns the configured enclave identifier.
func (r *Runtime) EnclaveID() string { return r.cfg.EnclaveID }

// Attestation returns the enclave's measurement/attribute bundle, per
// spec.md §6, optionally including a structured quote blob.
func (r *Runtime) Attestation(ctx context.Context, includeQuote bool) (*types.AttestationBundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attestor.Attestation(ctx, includeQuote)
}
