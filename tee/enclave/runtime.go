// Package enclave provides the TEE Boundary: attestation measurements,
// hardware random, and policy-bound sealing/unsealing of byte blobs. It is
// the lowest layer of the runtime - process-global and, from the host's
// point of view, stateless (the hardware holds the state).
package enclave

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// Mode specifies the enclave operation mode.
type Mode = types.EnclaveMode

const (
	ModeSimulation = types.EnclaveModeSimulation
	ModeHardware   = types.EnclaveModeHardware
)

// sealMagic tags the blob format defined at the sealing boundary:
// magic(4) || version(1) || policy(1) || nonce(12) || ciphertext || tag(16).
var sealMagic = [4]byte{'S', 'E', 'A', 'L'}

const sealVersion = 1

// Config holds enclave configuration.
type Config struct {
	Mode           Mode
	EnclaveID      string
	SealingKeyPath string
	DebugMode      bool

	// ProductID and SVN populate the attestation bundle's product-id / svn
	// fields; both default to 1 when unset.
	ProductID uint16
	SVN       uint16
}

// Runtime is the TEE Boundary capability: attestation, sealing, random and
// measurement retrieval (C1).
type Runtime interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) error

	// Identity
	EnclaveID() string
	Mode() Mode
	ProductID() uint16
	SVN() uint16

	// Cryptographic operations
	Seal(plaintext []byte, policy types.SealPolicy) ([]byte, error)
	Unseal(blob []byte) ([]byte, error)
	GenerateRandom(size int) ([]byte, error)

	// Measurements, cached after first call.
	GetMeasurement() ([32]byte, error)
	GetSignerMeasurement() ([32]byte, error)

	// SigningPublicKey returns the enclave's ECDSA (P-256) public key in
	// uncompressed form, used by callers (e.g. the sandbox's verifyData
	// binding) to check signatures the enclave produced.
	SigningPublicKey() ([]byte, error)
	// VerifySignature checks an ECDSA signature (ASN.1 DER, as produced by
	// ecdsa.SignASN1) over data against the enclave's own signing key.
	VerifySignature(data, signature []byte) (bool, error)
	// Sign produces an ASN.1 DER ECDSA signature over data's SHA-256 digest.
	Sign(data []byte) ([]byte, error)
}

// runtimeImpl implements Runtime.
type runtimeImpl struct {
	mu     sync.RWMutex
	config Config

	// masterKey is the root sealing key. In hardware mode it is derived from
	// the platform sealing key; in simulation mode it is a process-wide
	// ephemeral key, regenerated on every boot (see Initialize), matching
	// the non-durable-sealing decision for simulation mode: a fresh key
	// means blobs sealed before a restart can never be unsealed after one.
	masterKey []byte
	ready     bool

	measurement       *[32]byte
	signerMeasurement *[32]byte

	signingKey *ecdsa.PrivateKey
}

// New creates a new enclave runtime.
func New(cfg Config) (Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = 1
	}
	if cfg.SVN == 0 {
		cfg.SVN = 1
	}
	return &runtimeImpl{config: cfg}, nil
}

// Initialize initializes the enclave runtime.
func (r *runtimeImpl) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	if err := r.initMasterKey(); err != nil {
		return fmt.Errorf("init master key: %w", err)
	}

	key, err := r.deriveSigningKey()
	if err != nil {
		return fmt.Errorf("derive signing key: %w", err)
	}
	r.signingKey = key

	r.ready = true
	return nil
}

// deriveSigningKey derives a P-256 ECDSA keypair from the master key, the
// same technique the Neo signer uses to turn a 32-byte seed into a private
// scalar: reduce mod (N-1) and shift into [1, N-1], then scalar-multiply
// the base point. Deterministic in the master key, so it is stable across
// Seal/Unseal calls within one boot but (like the master key itself) is
// fresh every boot in simulation mode.
func (r *runtimeImpl) deriveSigningKey() (*ecdsa.PrivateKey, error) {
	mac := hmac.New(sha256.New, r.masterKey)
	mac.Write([]byte("SIGNING_KEY"))
	seed := mac.Sum(nil)

	curve := elliptic.P256()
	params := curve.Params()
	d := new(big.Int).SetBytes(seed)
	order := new(big.Int).Sub(params.N, big.NewInt(1))
	d.Mod(d, order)
	d.Add(d, big.NewInt(1))

	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

func (r *runtimeImpl) initMasterKey() error {
	if r.config.Mode == ModeHardware {
		r.masterKey = r.deriveSGXSealingKey()
		return nil
	}

	// Simulation mode: an ephemeral, non-durable key. A SealingKeyPath is
	// accepted for API compatibility but deliberately not read back, per
	// the binding decision that simulation-sealed blobs do not survive a
	// restart (see DESIGN.md's Open Question resolution).
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}
	r.masterKey = key
	return nil
}

// deriveSGXSealingKey derives the sealing key from the platform sealing key.
// A real SGX runtime would call EGETKEY with SEAL_KEY; this placeholder
// binds the same inputs the hardware would (enclave identity) via SHA-256
// so tests can exercise the policy-derivation logic deterministically.
func (r *runtimeImpl) deriveSGXSealingKey() []byte {
	h := sha256.New()
	h.Write([]byte("SGX_SEALING_KEY"))
	h.Write([]byte(r.config.EnclaveID))
	return h.Sum(nil)
}

// Shutdown shuts down the enclave runtime.
func (r *runtimeImpl) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.masterKey != nil {
		ZeroBytes(r.masterKey)
		r.masterKey = nil
	}

	r.ready = false
	return nil
}

// Health checks if the runtime is healthy.
func (r *runtimeImpl) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return types.ErrEnclaveNotReady
	}
	return nil
}

func (r *runtimeImpl) EnclaveID() string { return r.config.EnclaveID }
func (r *runtimeImpl) Mode() Mode        { return r.config.Mode }
func (r *runtimeImpl) ProductID() uint16 { return r.config.ProductID }
func (r *runtimeImpl) SVN() uint16       { return r.config.SVN }

// derivePolicyKey binds the master key to a seal policy and, for
// policies that reference an identity, to the corresponding measurement.
// This is how one master key becomes distinct per-policy keys without
// storing them separately.
func (r *runtimeImpl) derivePolicyKey(policy types.SealPolicy) ([]byte, error) {
	mac := hmac.New(sha256.New, r.masterKey)
	mac.Write([]byte{byte(policy)})

	switch policy {
	case types.SealPolicyEnclaveIdentity:
		m, err := r.getMeasurementLocked()
		if err != nil {
			return nil, err
		}
		mac.Write(m[:])
	case types.SealPolicySignerIdentity:
		m, err := r.getSignerMeasurementLocked()
		if err != nil {
			return nil, err
		}
		mac.Write(m[:])
	case types.SealPolicyHybrid:
		m, err := r.getMeasurementLocked()
		if err != nil {
			return nil, err
		}
		s, err := r.getSignerMeasurementLocked()
		if err != nil {
			return nil, err
		}
		mac.Write(m[:])
		mac.Write(s[:])
	default:
		return nil, fmt.Errorf("%w: unknown seal policy %d", types.ErrInvalidRequest, policy)
	}
	return mac.Sum(nil), nil
}

// Seal encrypts plaintext, binding the result to the given identity policy.
// Blob format: magic(4) || version(1) || policy(1) || nonce(12) ||
// ciphertext || tag(16), per the sealing boundary contract.
func (r *runtimeImpl) Seal(plaintext []byte, policy types.SealPolicy) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	key, err := r.derivePolicyKey(policy)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, 4+1+1+len(nonce)+len(sealed))
	blob = append(blob, sealMagic[:]...)
	blob = append(blob, sealVersion)
	blob = append(blob, byte(policy))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// Unseal verifies blob integrity, re-derives the key matching the recorded
// policy, and decrypts. Returns types.ErrIntegrityError when the blob is
// malformed, too short to be the product of Seal, or fails GCM
// authentication, and types.ErrPolicyViolation when the recorded policy is
// not one a key can be derived for. A blob sealed under a different
// identity derives the wrong key and fails GCM authentication, so it is
// reported as ErrIntegrityError, not told apart from tampering.
func (r *runtimeImpl) Unseal(blob []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	const headerLen = 4 + 1 + 1 + 12
	if len(blob) < headerLen+16 {
		return nil, fmt.Errorf("%w: sealed blob too short", types.ErrIntegrityError)
	}
	if [4]byte(blob[0:4]) != sealMagic {
		return nil, fmt.Errorf("%w: bad magic", types.ErrIntegrityError)
	}
	if blob[4] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported seal version %d", types.ErrIntegrityError, blob[4])
	}
	policy := types.SealPolicy(blob[5])
	nonce := blob[6:headerLen]
	ciphertext := blob[headerLen:]

	key, err := r.derivePolicyKey(policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPolicyViolation, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: aead open failed", types.ErrIntegrityError)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// GenerateRandom fills via the hardware RNG (crypto/rand in both modes;
// hardware mode's crypto/rand is itself backed by RDRAND/the SGX hardware
// entropy source on supporting platforms).
func (r *runtimeImpl) GenerateRandom(size int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate random: %w", err)
	}
	return buf, nil
}

// SigningPublicKey returns the enclave's ECDSA public key, uncompressed
// (0x04 || X || Y), per SEC1.
func (r *runtimeImpl) SigningPublicKey() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}
	return elliptic.Marshal(r.signingKey.PublicKey.Curve, r.signingKey.PublicKey.X, r.signingKey.PublicKey.Y), nil
}

// VerifySignature checks signature (ASN.1 DER) over sha256(data) against
// the enclave's own public key.
func (r *runtimeImpl) VerifySignature(data, signature []byte) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return false, types.ErrEnclaveNotReady
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(&r.signingKey.PublicKey, digest[:], signature), nil
}

// Sign produces an ASN.1 DER ECDSA signature over sha256(data), using the
// enclave's own signing key. Exposed for callers that need to attach an
// enclave-origin signature to data.
func (r *runtimeImpl) Sign(data []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}
	digest := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, r.signingKey, digest[:])
}

func (r *runtimeImpl) getMeasurementLocked() ([32]byte, error) {
	if r.measurement != nil {
		return *r.measurement, nil
	}
	h := sha256.New()
	h.Write([]byte("MRENCLAVE"))
	h.Write([]byte(r.config.EnclaveID))
	var m [32]byte
	copy(m[:], h.Sum(nil))
	r.measurement = &m
	return m, nil
}

func (r *runtimeImpl) getSignerMeasurementLocked() ([32]byte, error) {
	if r.signerMeasurement != nil {
		return *r.signerMeasurement, nil
	}
	h := sha256.New()
	h.Write([]byte("MRSIGNER"))
	h.Write([]byte("R3E-Network"))
	var m [32]byte
	copy(m[:], h.Sum(nil))
	r.signerMeasurement = &m
	return m, nil
}

// GetMeasurement returns the enclave measurement (MRENCLAVE), cached after
// the first call.
func (r *runtimeImpl) GetMeasurement() ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getMeasurementLocked()
}

// GetSignerMeasurement returns the signer measurement (MRSIGNER), cached
// after the first call.
func (r *runtimeImpl) GetSignerMeasurement() ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getSignerMeasurementLocked()
}

// =============================================================================
// Utility Functions
// =============================================================================

// ZeroBytes securely zeros a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureBuffer is a buffer that zeros itself when done.
type SecureBuffer struct {
	data []byte
}

// NewSecureBuffer creates a new secure buffer.
func NewSecureBuffer(size int) *SecureBuffer {
	return &SecureBuffer{data: make([]byte, size)}
}

// Data returns the buffer data.
func (b *SecureBuffer) Data() []byte { return b.data }

// Zero zeros the buffer.
func (b *SecureBuffer) Zero() { ZeroBytes(b.data) }
