package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func newTestManager(t *testing.T) (*Manager, *storage.Engine) {
	t.Helper()
	ctx := context.Background()

	dev, err := storage.NewFileDevice(storage.FileDeviceConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "test"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(ctx))

	engine, err := storage.NewEngine(ctx, storage.EngineConfig{
		Device:           dev,
		Runtime:          rt,
		EnableEncryption: true,
		MaxChunkSize:     4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	mgr, err := New(ctx, engine, rt, nil)
	require.NoError(t, err)
	return mgr, engine
}

func TestPutUseRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	secret := []byte("s3cr3t-value")
	secretCopy := append([]byte(nil), secret...)
	require.NoError(t, mgr.Put(ctx, "alice", "apiKey", secretCopy))

	var got []byte
	require.NoError(t, mgr.Use(ctx, "alice", "apiKey", func(plaintext []byte) error {
		got = append([]byte(nil), plaintext...)
		return nil
	}))
	require.Equal(t, secret, got)
}

func TestUseMissingSecretIsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	err := mgr.Use(ctx, "alice", "missing", func([]byte) error { return nil })
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteRemovesSecret(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Put(ctx, "alice", "k", []byte("v")))
	require.NoError(t, mgr.Delete(ctx, "alice", "k"))

	exists, err := mgr.Exists(ctx, "alice", "k")
	require.NoError(t, err)
	require.False(t, exists)

	err = mgr.Use(ctx, "alice", "k", func([]byte) error { return nil })
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestListNamesReturnsOwnedSecretsOnly(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Put(ctx, "alice", "k1", []byte("v1")))
	require.NoError(t, mgr.Put(ctx, "alice", "k2", []byte("v2")))
	require.NoError(t, mgr.Put(ctx, "bob", "k3", []byte("v3")))

	names, err := mgr.ListNames(ctx, "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"k1", "k2"}, names)
}

func TestUseManyDecryptsAllRequestedSecrets(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Put(ctx, "alice", "prod/apiKey", []byte("pk1")))
	require.NoError(t, mgr.Put(ctx, "alice", "prod/apiSecret", []byte("ps1")))

	seen := map[string]string{}
	err := mgr.UseMany(ctx, "alice", map[string]string{
		"apiKey":    "prod/apiKey",
		"apiSecret": "prod/apiSecret",
	}, func(plaintexts map[string][]byte) error {
		for alias, v := range plaintexts {
			seen[alias] = string(v)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "pk1", seen["apiKey"])
	require.Equal(t, "ps1", seen["apiSecret"])
}

func TestSecretsSurviveManagerRestart(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	dev, err := storage.NewFileDevice(storage.FileDeviceConfig{BasePath: base})
	require.NoError(t, err)
	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeHardware, EnclaveID: "persist-test"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(ctx))

	engine, err := storage.NewEngine(ctx, storage.EngineConfig{
		Device:           dev,
		Runtime:          rt,
		EnableEncryption: true,
		MaxChunkSize:     4096,
	})
	require.NoError(t, err)

	mgr, err := New(ctx, engine, rt, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Put(ctx, "alice", "k", []byte("persisted")))
	require.NoError(t, engine.Close())

	// Reopen against the same device and hardware-mode runtime (whose
	// sealing key is deterministic, unlike simulation mode's).
	engine2, err := storage.NewEngine(ctx, storage.EngineConfig{
		Device:           dev,
		Runtime:          rt,
		EnableEncryption: true,
		MaxChunkSize:     4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine2.Close() })

	mgr2, err := New(ctx, engine2, rt, nil)
	require.NoError(t, err)

	var got []byte
	require.NoError(t, mgr2.Use(ctx, "alice", "k", func(plaintext []byte) error {
		got = append([]byte(nil), plaintext...)
		return nil
	}))
	require.Equal(t, []byte("persisted"), got)
}
