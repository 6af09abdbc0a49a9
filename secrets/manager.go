// Package secrets implements the Secret Manager (C4): user-submitted
// secrets encrypted at rest under a Session Encryption Key and never held
// in plaintext longer than a single consumer callback.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// Consumer receives a secret's plaintext for the duration of the call. The
// slice must not be retained past the call: the Manager zeroes it the
// instant the callback returns.
type Consumer func(plaintext []byte) error

// Manager implements put/get/delete/list-names/get-many over the
// Persistent Storage Engine, keyed by "secret/<user>/<name>".
type Manager struct {
	engine *storage.Engine
	log    *logger.Logger

	sek []byte

	mu    sync.RWMutex
	cache map[string][]byte // "user/name" -> ciphertext (never plaintext)
}

// New constructs the Secret Manager, loading (or minting) the Session
// Encryption Key and preloading the ciphertext cache from storage.
func New(ctx context.Context, engine *storage.Engine, rt enclave.Runtime, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewDefault("secret-manager")
	}
	sek, err := loadOrCreateSEK(ctx, engine, rt)
	if err != nil {
		return nil, fmt.Errorf("load session encryption key: %w", err)
	}
	m := &Manager{
		engine: engine,
		log:    log,
		sek:    sek,
		cache:  make(map[string][]byte),
	}
	if err := m.preload(ctx); err != nil {
		return nil, fmt.Errorf("preload secret cache: %w", err)
	}
	return m, nil
}

func physicalKey(user, name string) string {
	return "secret/" + user + "/" + name
}

func cacheKey(user, name string) string {
	return user + "/" + name
}

// preload enumerates the secret/ prefix and populates the ciphertext cache,
// so a warm boot never touches the device for a previously-seen key.
func (m *Manager) preload(ctx context.Context) error {
	keys, err := m.engine.List(ctx, "secret/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		blob, err := m.engine.Read(ctx, key)
		if err != nil {
			m.log.WithField("key", key).WithField("error", err).Warn("failed to preload secret")
			continue
		}
		rest := strings.TrimPrefix(key, "secret/")
		m.mu.Lock()
		m.cache[rest] = blob
		m.mu.Unlock()
	}
	return nil
}

// Put encrypts plaintext under a key derived from the SEK and this
// (user, name) pair, and persists the ciphertext through the storage
// engine. The plaintext argument is zeroed before Put returns.
func (m *Manager) Put(ctx context.Context, user, name string, plaintext []byte) error {
	defer enclave.ZeroBytes(plaintext)

	entryKey, err := deriveEntryKey(m.sek, user, name)
	if err != nil {
		return err
	}
	defer enclave.ZeroBytes(entryKey)

	blob, err := encryptEntry(entryKey, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	if err := m.engine.Write(ctx, physicalKey(user, name), blob); err != nil {
		return err
	}

	m.mu.Lock()
	m.cache[cacheKey(user, name)] = blob
	m.mu.Unlock()
	return nil
}

// Use looks up a secret, decrypts it, invokes fn with the plaintext, and
// zeroes the plaintext before returning — mirroring the teacher vault's
// zero-after-use discipline so no plaintext ever outlives its callback.
func (m *Manager) Use(ctx context.Context, user, name string, fn Consumer) error {
	blob, err := m.ciphertext(ctx, user, name)
	if err != nil {
		return err
	}

	entryKey, err := deriveEntryKey(m.sek, user, name)
	if err != nil {
		return err
	}
	defer enclave.ZeroBytes(entryKey)

	plaintext, err := decryptEntry(entryKey, blob)
	if err != nil {
		return fmt.Errorf("%w: decrypt secret %s/%s: %v", types.ErrIntegrityError, user, name, err)
	}
	fnErr := fn(plaintext)
	enclave.ZeroBytes(plaintext)
	return fnErr
}

// UseMany looks up multiple secrets by name (mapped through aliases, so a
// script can request "apiKey" while storage holds "prod/apiKey") and
// invokes fn once with all plaintexts available, zeroing every plaintext
// afterward regardless of the error path.
func (m *Manager) UseMany(ctx context.Context, user string, aliases map[string]string, fn func(map[string][]byte) error) error {
	plaintexts := make(map[string][]byte, len(aliases))
	defer func() {
		for _, v := range plaintexts {
			enclave.ZeroBytes(v)
		}
	}()

	for alias, name := range aliases {
		blob, err := m.ciphertext(ctx, user, name)
		if err != nil {
			return fmt.Errorf("%s: %w", alias, err)
		}
		entryKey, err := deriveEntryKey(m.sek, user, name)
		if err != nil {
			return err
		}
		plaintext, err := decryptEntry(entryKey, blob)
		enclave.ZeroBytes(entryKey)
		if err != nil {
			return fmt.Errorf("%w: decrypt secret %s/%s: %v", types.ErrIntegrityError, user, name, err)
		}
		plaintexts[alias] = plaintext
	}

	return fn(plaintexts)
}

// Delete removes a secret's ciphertext from storage and the cache.
func (m *Manager) Delete(ctx context.Context, user, name string) error {
	if err := m.engine.Delete(ctx, physicalKey(user, name)); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, cacheKey(user, name))
	m.mu.Unlock()
	return nil
}

// Exists reports whether a secret is present, consulting the cache first.
func (m *Manager) Exists(ctx context.Context, user, name string) (bool, error) {
	m.mu.RLock()
	_, ok := m.cache[cacheKey(user, name)]
	m.mu.RUnlock()
	if ok {
		return true, nil
	}
	_, err := m.engine.Read(ctx, physicalKey(user, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ListNames returns the secret names owned by user, without namespace
// decoration.
func (m *Manager) ListNames(ctx context.Context, user string) ([]string, error) {
	prefix := "secret/" + user + "/"
	keys, err := m.engine.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, prefix))
	}
	return names, nil
}

// ciphertext returns a secret's ciphertext blob, preferring the cache and
// falling back to storage (and populating the cache) on a miss.
func (m *Manager) ciphertext(ctx context.Context, user, name string) ([]byte, error) {
	ck := cacheKey(user, name)
	m.mu.RLock()
	blob, ok := m.cache[ck]
	m.mu.RUnlock()
	if ok {
		return blob, nil
	}

	blob, err := m.engine.Read(ctx, physicalKey(user, name))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[ck] = blob
	m.mu.Unlock()
	return blob, nil
}

func encryptEntry(key, plaintext []byte) ([]byte, error) {
	gcm, err := newEntryGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptEntry(key, blob []byte) ([]byte, error) {
	gcm, err := newEntryGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(blob) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := blob[:n], blob[n:]
	return gcm.Open(nil, nonce, ct, nil)
}

func newEntryGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
