package secrets

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// sekStorageKey is the reserved, one-entry storage key for the sealed
// Session Encryption Key, per §6's storage key layout.
const sekStorageKey = "session/encryption-key"

const sekSize = 32 // 256-bit

// loadOrCreateSEK unseals the Session Encryption Key from its reserved
// storage entry, minting one via the hardware RNG and sealing it to the
// enclave identity on first boot. The SEK's lifetime equals the enclave
// identity version: rotating the enclave invalidates it, since a new
// enclave cannot unseal a blob sealed to the old MRENCLAVE.
func loadOrCreateSEK(ctx context.Context, engine *storage.Engine, rt enclave.Runtime) ([]byte, error) {
	sealed, err := engine.Read(ctx, sekStorageKey)
	if err == nil {
		sek, err := rt.Unseal(sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: unseal SEK: %v", types.ErrPolicyViolation, err)
		}
		if len(sek) != sekSize {
			return nil, fmt.Errorf("%w: unsealed SEK has wrong length", types.ErrIntegrityError)
		}
		return sek, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	sek, err := rt.GenerateRandom(sekSize)
	if err != nil {
		return nil, fmt.Errorf("generate SEK: %w", err)
	}
	blob, err := rt.Seal(sek, types.SealPolicyEnclaveIdentity)
	if err != nil {
		return nil, fmt.Errorf("seal SEK: %w", err)
	}
	if err := engine.Write(ctx, sekStorageKey, blob); err != nil {
		return nil, fmt.Errorf("persist SEK: %w", err)
	}
	return sek, nil
}

// deriveEntryKey derives a per-entry AES-256 key from the SEK via HKDF, so
// no two secret entries (and no entry and the SEK itself) ever share raw
// key material, even though they are all rooted in the one SEK.
func deriveEntryKey(sek []byte, user, name string) ([]byte, error) {
	salt := []byte(user + "/" + name)
	r := hkdf.New(sha256.New, sek, salt, []byte("secret-entry"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive entry key: %w", err)
	}
	return key, nil
}
