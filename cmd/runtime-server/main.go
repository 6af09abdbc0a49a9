// Command runtime-server runs the confidential execution runtime behind a
// small HTTP API: POST /execute, POST /cancel/{id}, GET /health and GET
// /metrics for Prometheus scraping.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/confidential-runtime/audit"
	"github.com/R3E-Network/confidential-runtime/config"
	"github.com/R3E-Network/confidential-runtime/execution"
	"github.com/R3E-Network/confidential-runtime/gas"
	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/runtime"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting confidential execution runtime")
	log.Printf("  Environment: %s", cfg.Env)
	log.Printf("  Enclave ID: %s", cfg.EnclaveID)
	log.Printf("  Enclave mode: %s", cfg.EnclaveMode)
	log.Printf("  Storage path: %s", cfg.StoragePath)

	mode := enclave.ModeHardware
	if cfg.EnclaveMode != "hardware" {
		mode = enclave.ModeSimulation
	}

	gas.Configure(cfg.BasicOpGas, cfg.CryptoOpGas, cfg.MemoryGasPerByte, cfg.StorageGasPerByte)

	limits := execution.DefaultLimits()
	limits.MaxGasLimit = cfg.MaxGasLimit
	if cfg.EnableTimeBasedGas {
		limits.GasTimeRate = cfg.GasPerMS
	}

	rt, err := runtime.New(runtime.Config{
		EnclaveID:         cfg.EnclaveID,
		Mode:              mode,
		SealingKeyPath:    cfg.SealingKeyPath,
		DebugMode:         cfg.DebugMode,
		StoragePath:       cfg.StoragePath,
		EnableCompression: cfg.EnableCompression,
		MaxChunkSize:      cfg.MaxChunkSizeBytes,
		EnableCaching:     cfg.EnableCaching,
		CacheSizeBytes:    cfg.CacheSizeBytes,
		Limits:            limits,
		MaxConcurrent:     cfg.MaxConcurrentExecutions,
		QueueCapacity:     cfg.QueueCapacity,
		AcquireTimeout:    5_000,
		RequestsPerSecond: 20,
		Burst:             5,
		Logger:            logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
	})
	if err != nil {
		log.Fatalf("Failed to build runtime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("Failed to start runtime: %v", err)
	}
	log.Println("Runtime started")

	mux := http.NewServeMux()
	registerRoutes(mux, rt, cfg)

	addr := ":8443"
	if v := os.Getenv("RUNTIME_ADDR"); v != "" {
		addr = v
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("API listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		log.Printf("Runtime shutdown error: %v", err)
	}
	log.Println("Runtime stopped")
}

func registerRoutes(mux *http.ServeMux, rt *runtime.Runtime, cfg *config.Config) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rt.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "enclave_id": rt.EnclaveID()})
	})

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(audit.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/attestation", func(w http.ResponseWriter, r *http.Request) {
		includeQuote := r.URL.Query().Get("quote") == "true"
		bundle, err := rt.Attestation(r.Context(), includeQuote)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bundle)
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req types.ExecutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		requestID, resp := rt.Execute(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-ID", requestID)
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/cancel/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		requestID := strings.TrimPrefix(r.URL.Path, "/cancel/")
		if requestID == "" {
			http.Error(w, "request id is required", http.StatusBadRequest)
			return
		}
		rt.Cancel(requestID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cancel requested"})
	})
}
