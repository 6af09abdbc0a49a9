package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

const engineKeyStorageKey = "session/storage-engine-key"

// integrityFailureThreshold is the count of consecutive IntegrityErrors on
// the same logical key at which an alert is raised through the
// IntegrityAlertFn hook (and again on every further failure), per §4.3's "repeated IntegrityErrors ... must
// surface to the audit log" requirement.
const integrityFailureThreshold = 3

// EngineConfig configures the Persistent Storage Engine.
type EngineConfig struct {
	Device  Device
	Runtime enclave.Runtime
	Logger  *logger.Logger

	EnableEncryption  bool
	EnableCompression bool
	CompressionLevel  int // 1..9, compress/gzip semantics
	MaxChunkSize      int // bytes, default 4 MiB

	EnableCaching     bool
	CacheSizeBytes    int64 // default 50 MiB
	EnableAutoFlush   bool
	AutoFlushInterval time.Duration // default 5s

	// IntegrityAlertFn, when set, is invoked once integrityFailureThreshold
	// consecutive IntegrityErrors have been observed on the same key. It is
	// the engine's only hook into the audit layer, kept this way so storage
	// never imports audit (which itself writes through storage).
	IntegrityAlertFn func(key string, failures int)
}

// Engine implements the Persistent Storage Engine (C3): the
// compress/chunk/encrypt pipeline, an LRU plaintext read cache, and
// transactions, all layered over a Device (C2).
type Engine struct {
	device Device
	log    *logger.Logger

	enableEncryption  bool
	enableCompression bool
	compressionLevel  int
	maxChunkSize      int

	encKey []byte

	cacheEnabled bool
	cache        *sizeBoundedCache

	integrityAlertFn func(key string, failures int)
	integrityFails   sync.Map // key string -> *int64

	txSeq      atomic.Int64
	txMu       sync.Mutex // serializes commit application, enforcing commit ordering
	pipelineMu sync.Mutex // coarse pipeline/device mutex per §5 locking discipline

	stopFlush chan struct{}
	flushWG   sync.WaitGroup
}

// NewEngine constructs the storage engine, deriving (or loading) its
// encryption key via the TEE Boundary when encryption is enabled.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = defaultMaxChunkSize
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	if cfg.CacheSizeBytes == 0 {
		cfg.CacheSizeBytes = 50 << 20
	}
	if cfg.AutoFlushInterval == 0 {
		cfg.AutoFlushInterval = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("storage-engine")
	}

	e := &Engine{
		device:            cfg.Device,
		log:               log,
		enableEncryption:  cfg.EnableEncryption,
		enableCompression: cfg.EnableCompression,
		compressionLevel:  cfg.CompressionLevel,
		maxChunkSize:      cfg.MaxChunkSize,
		cacheEnabled:      cfg.EnableCaching,
		integrityAlertFn:  cfg.IntegrityAlertFn,
		stopFlush:         make(chan struct{}),
	}

	if cfg.EnableCaching {
		c, err := newSizeBoundedCache(cfg.CacheSizeBytes)
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		e.cache = c
	}

	if cfg.EnableEncryption {
		if cfg.Runtime == nil {
			return nil, fmt.Errorf("runtime is required when encryption is enabled")
		}
		key, err := e.loadOrCreateEngineKey(ctx, cfg.Runtime)
		if err != nil {
			return nil, fmt.Errorf("load storage engine key: %w", err)
		}
		e.encKey = key
	}

	if cfg.EnableAutoFlush {
		e.startAutoFlush(cfg.AutoFlushInterval)
	}

	return e, nil
}

// loadOrCreateEngineKey unseals the storage engine's AES key from the
// reserved session key, minting and sealing a fresh one on first boot.
func (e *Engine) loadOrCreateEngineKey(ctx context.Context, rt enclave.Runtime) ([]byte, error) {
	sealed, err := e.device.Read(ctx, engineKeyStorageKey)
	if err == nil {
		key, err := rt.Unseal(sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal storage engine key: %w", err)
		}
		return key, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	key, err := rt.GenerateRandom(32)
	if err != nil {
		return nil, fmt.Errorf("generate storage engine key: %w", err)
	}
	blob, err := rt.Seal(key, types.SealPolicyEnclaveIdentity)
	if err != nil {
		return nil, fmt.Errorf("seal storage engine key: %w", err)
	}
	if err := e.device.Write(ctx, engineKeyStorageKey, blob); err != nil {
		return nil, fmt.Errorf("persist storage engine key: %w", err)
	}
	return key, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

func (e *Engine) startAutoFlush(interval time.Duration) {
	e.flushWG.Add(1)
	go func() {
		defer e.flushWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.device.Flush(context.Background()); err != nil {
					e.log.WithField("error", err).Warn("auto-flush failed")
				}
			case <-e.stopFlush:
				return
			}
		}
	}()
}

// Close stops the auto-flush timer, if running.
func (e *Engine) Close() error {
	select {
	case <-e.stopFlush:
	default:
		close(e.stopFlush)
	}
	e.flushWG.Wait()
	return nil
}

// Write runs the compress/chunk/encrypt pipeline and calls Device.Write for
// the header and each chunk. It invalidates the cache entry before
// installing the new value, per §4.3's cache invariants.
func (e *Engine) Write(ctx context.Context, key string, value []byte) error {
	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()

	if e.cache != nil {
		e.cache.Remove(key)
	}

	payload := value
	flags := byte(0)
	if e.enableCompression {
		compressed, err := gzipCompress(payload, e.compressionLevel)
		if err != nil {
			return fmt.Errorf("%w: compress %q: %v", types.ErrIoError, key, err)
		}
		payload = compressed
		flags |= flagCompression
	}

	chunksPlain := splitChunks(payload, e.maxChunkSize)
	digests := make([][32]byte, len(chunksPlain))
	for i, chunk := range chunksPlain {
		stored := chunk
		if e.enableEncryption {
			enc, err := e.encryptChunk(chunk)
			if err != nil {
				return fmt.Errorf("%w: encrypt chunk %d of %q: %v", types.ErrIoError, i, key, err)
			}
			stored = enc
		}
		digests[i] = digest(stored)
		if err := e.device.Write(ctx, chunkKey(key, i), stored); err != nil {
			return err
		}
	}
	if e.enableEncryption {
		flags |= flagEncryption
	}

	h := &header{
		Version:        headerVersion,
		Flags:          flags,
		OriginalLength: uint64(len(value)),
		ChunkCount:     uint32(len(chunksPlain)),
		ChunkDigests:   digests,
	}
	if err := e.device.Write(ctx, key, encodeHeader(h)); err != nil {
		return err
	}

	if e.cache != nil {
		e.cache.Add(key, value)
	}
	e.clearIntegrityFailures(key)
	return nil
}

// Read inverts Write, verifying the header checksum, per-chunk AEAD tag
// (implicit in GCM.Open) and total length against the header's declared
// length. Populates the cache on success when caching is enabled.
func (e *Engine) Read(ctx context.Context, key string) ([]byte, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			return v, nil
		}
	}

	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()

	raw, err := e.device.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(raw)
	if err != nil {
		e.recordIntegrityFailure(key)
		return nil, err
	}

	var assembled bytes.Buffer
	for i := 0; i < int(h.ChunkCount); i++ {
		stored, err := e.device.Read(ctx, chunkKey(key, i))
		if err != nil {
			e.recordIntegrityFailure(key)
			return nil, err
		}
		if digest(stored) != h.ChunkDigests[i] {
			e.recordIntegrityFailure(key)
			return nil, fmt.Errorf("%w: chunk %d digest mismatch for %q", types.ErrIntegrityError, i, key)
		}
		plain := stored
		if h.encrypted() {
			plain, err = e.decryptChunk(stored)
			if err != nil {
				e.recordIntegrityFailure(key)
				return nil, fmt.Errorf("%w: chunk %d decrypt failed for %q", types.ErrIntegrityError, i, key)
			}
		}
		assembled.Write(plain)
	}

	payload := assembled.Bytes()
	if h.compressed() {
		decompressed, err := gzipDecompress(payload)
		if err != nil {
			e.recordIntegrityFailure(key)
			return nil, fmt.Errorf("%w: decompress %q: %v", types.ErrIntegrityError, key, err)
		}
		payload = decompressed
	}

	if uint64(len(payload)) != h.OriginalLength {
		e.recordIntegrityFailure(key)
		return nil, fmt.Errorf("%w: length mismatch for %q", types.ErrIntegrityError, key)
	}

	e.clearIntegrityFailures(key)
	if e.cache != nil {
		e.cache.Add(key, payload)
	}
	return payload, nil
}

// Delete removes a key's header and all of its chunks.
func (e *Engine) Delete(ctx context.Context, key string) error {
	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()

	if e.cache != nil {
		e.cache.Remove(key)
	}

	raw, err := e.device.Read(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	h, decodeErr := decodeHeader(raw)
	if decodeErr == nil {
		for i := 0; i < int(h.ChunkCount); i++ {
			_ = e.device.Delete(ctx, chunkKey(key, i))
		}
	}
	return e.device.Delete(ctx, key)
}

// List returns the logical keys under prefix: the device's keys minus the
// physical chunk keys (key/<n>) of stored values.
func (e *Engine) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := e.device.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	// A key/<n> is a chunk only when its parent key holds a header; other
	// keys ending in digits (e.g. metrics/<fn>/<user>/<id>) are logical.
	var logical []string
	for _, k := range keys {
		if parent, ok := chunkParent(k); ok {
			if exists, err := e.device.Exists(ctx, parent); err == nil && exists {
				continue
			}
		}
		logical = append(logical, k)
	}
	return logical, nil
}

// chunkParent returns parent for a key of the form parent/<digits>.
func chunkParent(key string) (string, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		c := key[i]
		if c == '/' {
			return key[:i], i > 0 && i < len(key)-1
		}
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return "", false
}

func (e *Engine) recordIntegrityFailure(key string) {
	v, _ := e.integrityFails.LoadOrStore(key, new(int64))
	count := atomic.AddInt64(v.(*int64), 1)
	if count >= integrityFailureThreshold && e.integrityAlertFn != nil {
		e.integrityAlertFn(key, int(count))
	}
}

func (e *Engine) clearIntegrityFailures(key string) {
	e.integrityFails.Delete(key)
}

func (e *Engine) encryptChunk(plain []byte) ([]byte, error) {
	gcm, err := newGCM(e.encKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (e *Engine) decryptChunk(stored []byte) ([]byte, error) {
	gcm, err := newGCM(e.encKey)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(stored) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := stored[:n], stored[n:]
	return gcm.Open(nil, nonce, ct, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// sizeBoundedCache wraps a golang-lru/v2 Cache with a total-byte budget.
// golang-lru's Cache evicts by entry count, not by size, so the budget is
// enforced here: after every Add, oldest entries are evicted via the
// underlying cache's own recency ordering until the tracked total fits.
type sizeBoundedCache struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, []byte]
	sizes   map[string]int64
	total   int64
	budget  int64
}

func newSizeBoundedCache(budget int64) (*sizeBoundedCache, error) {
	// The entry-count cap only bounds pathological cases (many tiny
	// entries); the real limit is enforced by the byte budget below.
	c, err := lru.New[string, []byte](1 << 20)
	if err != nil {
		return nil, err
	}
	return &sizeBoundedCache{cache: c, sizes: make(map[string]int64), budget: budget}, nil
}

func (c *sizeBoundedCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(key)
}

func (c *sizeBoundedCache) Add(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if oldSize, ok := c.sizes[key]; ok {
		c.total -= oldSize
	}
	c.cache.Add(key, value)
	c.sizes[key] = int64(len(value))
	c.total += int64(len(value))

	for c.total > c.budget {
		oldestKey, _, ok := c.cache.GetOldest()
		if !ok {
			break
		}
		c.cache.Remove(oldestKey)
		c.total -= c.sizes[oldestKey]
		delete(c.sizes, oldestKey)
	}
}

func (c *sizeBoundedCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sz, ok := c.sizes[key]; ok {
		c.total -= sz
		delete(c.sizes, key)
	}
	c.cache.Remove(key)
}
