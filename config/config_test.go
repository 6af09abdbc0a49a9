package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t, "RUNTIME_ENV", "GAS_MAX_LIMIT", "DISPATCHER_MAX_CONCURRENT")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Development, cfg.Env)
	require.EqualValues(t, 300_000_000, cfg.MaxGasLimit)
	require.Equal(t, 16, cfg.MaxConcurrentExecutions)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsSimulationModeInProduction(t *testing.T) {
	clearEnv(t, "RUNTIME_ENV", "ENCLAVE_MODE")
	os.Setenv("RUNTIME_ENV", "production")
	os.Setenv("ENCLAVE_MODE", "simulation")
	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadGasLimit(t *testing.T) {
	clearEnv(t, "RUNTIME_ENV", "GAS_MAX_LIMIT")
	os.Setenv("GAS_MAX_LIMIT", "0")
	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}
