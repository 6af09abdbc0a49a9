// Package storage implements the Sealed KV Device (C2) and the Persistent
// Storage Engine (C3) layered on top of it.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// Device is the low-level, byte-keyed, bytes-valued blob store (C2).
// Keys are opaque strings; implementations may encode them as path
// components but must forbid traversal.
type Device interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Flush(ctx context.Context) error
	Close() error
}

// FileDeviceConfig configures a filesystem-backed Device.
type FileDeviceConfig struct {
	BasePath string
}

// fileDevice is a filesystem-backed Sealed KV Device. Writes are atomic
// w.r.t. crash (temp file + rename); a trailing SHA-256 checksum over each
// stored value lets Read detect truncation or on-disk corruption and
// return CorruptRecord instead of silently returning bad bytes.
type fileDevice struct {
	mu       sync.RWMutex
	basePath string
}

// NewFileDevice creates a filesystem-backed Sealed KV Device rooted at
// cfg.BasePath, creating the directory if it does not exist.
func NewFileDevice(cfg FileDeviceConfig) (Device, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("base_path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	return &fileDevice{basePath: cfg.BasePath}, nil
}

const checksumLen = sha256.Size

// recordSuffix is appended to the last path segment of every stored key, so
// a record "k" (file "k.rec") and records under "k/" (directory "k") can
// coexist, as the storage engine's header and chunk keys do.
const recordSuffix = ".rec"

// keyToPath maps an opaque logical key to a path under basePath, rejecting
// any segment that could escape the root (".", "..") and empty segments
// (from leading/trailing/doubled slashes).
func (d *fileDevice) keyToPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", types.ErrInvalidRequest)
	}
	segments := strings.Split(key, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "":
			return "", fmt.Errorf("%w: empty segment in key %q", types.ErrInvalidRequest, key)
		case ".", "..":
			return "", fmt.Errorf("%w: path traversal in key %q", types.ErrInvalidRequest, key)
		default:
			clean = append(clean, seg)
		}
	}
	if len(clean) == 0 {
		return "", fmt.Errorf("%w: empty key", types.ErrInvalidRequest)
	}
	clean[len(clean)-1] += recordSuffix
	return filepath.Join(append([]string{d.basePath}, clean...)...), nil
}

func (d *fileDevice) Read(ctx context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	path, err := d.keyToPath(key)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: key %q", types.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: read %q: %v", types.ErrIoError, key, err)
	}

	if len(raw) < checksumLen {
		return nil, fmt.Errorf("%w: truncated record for key %q", types.ErrCorruptRecord, key)
	}
	value, sum := raw[:len(raw)-checksumLen], raw[len(raw)-checksumLen:]
	want := sha256.Sum256(value)
	if !bytes.Equal(sum, want[:]) {
		return nil, fmt.Errorf("%w: checksum mismatch for key %q", types.ErrCorruptRecord, key)
	}
	return value, nil
}

func (d *fileDevice) Write(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path, err := d.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: create directory for %q: %v", types.ErrIoError, key, err)
	}

	sum := sha256.Sum256(value)
	record := make([]byte, 0, len(value)+checksumLen)
	record = append(record, value...)
	record = append(record, sum[:]...)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file for %q: %v", types.ErrIoError, key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %q: %v", types.ErrIoError, key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync %q: %v", types.ErrIoError, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %q: %v", types.ErrIoError, key, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %q: %v", types.ErrIoError, key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %q: %v", types.ErrIoError, key, err)
	}
	return nil
}

func (d *fileDevice) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path, err := d.keyToPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %q: %v", types.ErrIoError, key, err)
	}
	return nil
}

func (d *fileDevice) Exists(ctx context.Context, key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	path, err := d.keyToPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %q: %v", types.ErrIoError, key, err)
	}
	return true, nil
}

func (d *fileDevice) Size(ctx context.Context, key string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	path, err := d.keyToPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: key %q", types.ErrNotFound, key)
		}
		return 0, fmt.Errorf("%w: stat %q: %v", types.ErrIoError, key, err)
	}
	sz := info.Size() - checksumLen
	if sz < 0 {
		return 0, fmt.Errorf("%w: truncated record for key %q", types.ErrCorruptRecord, key)
	}
	return sz, nil
}

// List enumerates all keys whose string form starts with prefix. It walks
// the whole tree under basePath, reconstructing logical keys from relative
// paths; order is unspecified, matching the device contract.
func (d *fileDevice) List(ctx context.Context, prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var keys []string
	err := filepath.Walk(d.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".tmp-") || !strings.HasSuffix(path, recordSuffix) {
			return nil
		}
		rel, err := filepath.Rel(d.basePath, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), recordSuffix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %q: %v", types.ErrIoError, prefix, err)
	}
	return keys, nil
}

// Flush is a no-op for the filesystem device: Write already fsyncs before
// rename, so there is nothing buffered to force out.
func (d *fileDevice) Flush(ctx context.Context) error { return nil }

func (d *fileDevice) Close() error { return nil }
