package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func writeFlippedByte(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data[0] ^= 0xFF
	return os.WriteFile(path, data, 0600)
}

func newTestDevice(t *testing.T) Device {
	t.Helper()
	dev, err := NewFileDevice(FileDeviceConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	return dev
}

func TestDeviceWriteReadRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	ctx := context.Background()

	require.NoError(t, dev.Write(ctx, "a/b/c", []byte("hello")))
	got, err := dev.Read(ctx, "a/b/c")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	exists, err := dev.Exists(ctx, "a/b/c")
	require.NoError(t, err)
	require.True(t, exists)

	sz, err := dev.Size(ctx, "a/b/c")
	require.NoError(t, err)
	require.EqualValues(t, 5, sz)
}

func TestDeviceReadMissingKeyIsNotFound(t *testing.T) {
	dev := newTestDevice(t)
	_, err := dev.Read(context.Background(), "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeviceRejectsPathTraversal(t *testing.T) {
	dev := newTestDevice(t)
	err := dev.Write(context.Background(), "../escape", []byte("x"))
	require.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestDeviceDeleteIsIdempotent(t *testing.T) {
	dev := newTestDevice(t)
	ctx := context.Background()
	require.NoError(t, dev.Write(ctx, "k", []byte("v")))
	require.NoError(t, dev.Delete(ctx, "k"))
	require.NoError(t, dev.Delete(ctx, "k"))

	exists, err := dev.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDeviceListByPrefix(t *testing.T) {
	dev := newTestDevice(t)
	ctx := context.Background()
	require.NoError(t, dev.Write(ctx, "secret/u1/a", []byte("1")))
	require.NoError(t, dev.Write(ctx, "secret/u1/b", []byte("2")))
	require.NoError(t, dev.Write(ctx, "secret/u2/a", []byte("3")))

	keys, err := dev.List(ctx, "secret/u1/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestDeviceDetectsCorruption(t *testing.T) {
	dev := newTestDevice(t).(*fileDevice)
	ctx := context.Background()
	require.NoError(t, dev.Write(ctx, "k", []byte("payload")))

	path, err := dev.keyToPath("k")
	require.NoError(t, err)
	require.NoError(t, writeFlippedByte(path))

	_, err = dev.Read(ctx, "k")
	require.ErrorIs(t, err, types.ErrCorruptRecord)
}
