// Package config provides environment-aware configuration management for
// the confidential execution runtime, loading from environment variables
// with an optional per-environment .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ParseEnvironment validates an environment string.
func ParseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case Development, Testing, Production:
		return Environment(s), true
	default:
		return "", false
	}
}

// Config holds all runtime configuration, grouped by the knobs enumerated
// at the external interface (§6): storage, gas and dispatcher, plus the
// ambient enclave/logging settings.
type Config struct {
	Env Environment

	// Enclave
	EnclaveID      string
	EnclaveMode    string // "simulation" | "hardware"
	SealingKeyPath string
	DebugMode      bool

	// Storage
	StoragePath        string
	EnableEncryption   bool
	EnableCompression  bool
	CompressionLevel   int
	CreateIfMissing    bool
	MaxChunkSizeBytes  int
	EnableCaching      bool
	CacheSizeBytes     int64
	EnableAutoFlush    bool
	AutoFlushIntervalMS int

	// Gas
	MaxGasLimit        int64
	EnableTimeBasedGas bool
	GasPerMS           int64
	BasicOpGas         int64
	MemoryGasPerByte   float64
	StorageGasPerByte  float64
	CryptoOpGas        int64

	// Dispatcher
	MaxConcurrentExecutions int
	QueueCapacity           int

	// Logging
	LogLevel  string
	LogFormat string

	// Features
	EnableProfiling bool
	MetricsEnabled  bool
	MetricsPort     int
}

// Load loads configuration based on the RUNTIME_ENV environment variable.
func Load() (*Config, error) {
	envStr := os.Getenv("RUNTIME_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid RUNTIME_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.EnclaveID = getEnv("ENCLAVE_ID", "confidential-runtime-0")
	c.EnclaveMode = getEnv("ENCLAVE_MODE", "simulation")
	c.SealingKeyPath = getEnv("SEALING_KEY_PATH", "")
	c.DebugMode = getBoolEnv("DEBUG_MODE", c.Env != Production)

	c.StoragePath = getEnv("STORAGE_PATH", "data")
	c.EnableEncryption = getBoolEnv("STORAGE_ENABLE_ENCRYPTION", true)
	c.EnableCompression = getBoolEnv("STORAGE_ENABLE_COMPRESSION", true)
	c.CompressionLevel = getIntEnv("STORAGE_COMPRESSION_LEVEL", 6)
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("invalid STORAGE_COMPRESSION_LEVEL: %d (must be 1..9)", c.CompressionLevel)
	}
	c.CreateIfMissing = getBoolEnv("STORAGE_CREATE_IF_MISSING", true)
	c.MaxChunkSizeBytes = getIntEnv("STORAGE_MAX_CHUNK_SIZE_BYTES", 4<<20)
	c.EnableCaching = getBoolEnv("STORAGE_ENABLE_CACHING", true)
	c.CacheSizeBytes = getInt64Env("STORAGE_CACHE_SIZE_BYTES", 50<<20)
	c.EnableAutoFlush = getBoolEnv("STORAGE_ENABLE_AUTO_FLUSH", true)
	c.AutoFlushIntervalMS = getIntEnv("STORAGE_AUTO_FLUSH_INTERVAL_MS", 5000)

	c.MaxGasLimit = getInt64Env("GAS_MAX_LIMIT", 300_000_000)
	c.EnableTimeBasedGas = getBoolEnv("GAS_ENABLE_TIME_BASED", true)
	c.GasPerMS = getInt64Env("GAS_PER_MS", 1)
	c.BasicOpGas = getInt64Env("GAS_BASIC_OP", 1)
	memGas, err := strconv.ParseFloat(getEnv("GAS_MEMORY_PER_BYTE", "0.1"), 64)
	if err != nil {
		return fmt.Errorf("invalid GAS_MEMORY_PER_BYTE: %w", err)
	}
	c.MemoryGasPerByte = memGas
	storeGas, err := strconv.ParseFloat(getEnv("GAS_STORAGE_PER_BYTE", "1.0"), 64)
	if err != nil {
		return fmt.Errorf("invalid GAS_STORAGE_PER_BYTE: %w", err)
	}
	c.StorageGasPerByte = storeGas
	c.CryptoOpGas = getInt64Env("GAS_CRYPTO_OP", 50)

	c.MaxConcurrentExecutions = getIntEnv("DISPATCHER_MAX_CONCURRENT", 16)
	c.QueueCapacity = getIntEnv("DISPATCHER_QUEUE_CAPACITY", 256)

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "text")
	if c.Env == Production {
		c.LogFormat = getEnv("LOG_FORMAT", "json")
	}

	c.EnableProfiling = getBoolEnv("ENABLE_PROFILING", false)
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate validates the configuration, enforcing production-specific
// invariants the way the ambient config layer does elsewhere in the pack.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnclaveMode != "hardware" {
			return fmt.Errorf("ENCLAVE_MODE must be hardware in production")
		}
		if c.DebugMode {
			return fmt.Errorf("DEBUG_MODE must be false in production")
		}
		if !c.EnableEncryption {
			return fmt.Errorf("STORAGE_ENABLE_ENCRYPTION must be true in production")
		}
	}

	if c.MaxGasLimit < 1 || c.MaxGasLimit > 300_000_000 {
		return fmt.Errorf("GAS_MAX_LIMIT out of range: %d", c.MaxGasLimit)
	}
	if c.MaxChunkSizeBytes <= 0 {
		return fmt.Errorf("STORAGE_MAX_CHUNK_SIZE_BYTES must be positive")
	}
	if c.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("DISPATCHER_MAX_CONCURRENT must be positive")
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("DISPATCHER_QUEUE_CAPACITY must not be negative")
	}
	if c.MetricsPort < 1024 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid METRICS_PORT: %d (must be between 1024 and 65535)", c.MetricsPort)
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
