// Package attestation implements the attestation half of the TEE Boundary
// (C1): producing an AttestationBundle and, optionally, a structured quote
// blob suitable for a remote verifier.
package attestation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// quoteMagic identifies the structured quote format. Modeled on the
// Intel SGX ECDSA quote's leading fields (version, attestation key type,
// QE vendor ID) without reproducing the full DCAP wire format, since this
// runtime has no real quoting enclave to talk to in simulation mode.
var quoteMagic = [12]byte{'S', 'G', 'X', '_', 'Q', 'U', 'O', 'T', 'E', '_', 'V', '3'}

const (
	quoteVersion   uint16 = 3
	attKeyTypeECDSA uint16 = 2
)

// quoteBody is the fixed-size structured quote payload. Field order matches
// the wire layout produced/parsed by buildQuote/parseQuote.
type quoteBody struct {
	Version    uint16
	AttKeyType uint16
	QESVN      uint16
	PCESVN     uint16
	QEVendorID [16]byte
	UserData   [20]byte
	MREnclave  [32]byte
	MRSigner   [32]byte
	ProductID  uint16
	SVN        uint16
	ReportData [64]byte
	Timestamp  int64
	TCBStatus  byte
	Debug      byte
}

const quoteHMACSize = sha256.Size

// Config holds attestor configuration.
type Config struct {
	Runtime   enclave.Runtime
	EnclaveID string
}

// Attestor implements the attestation operations of the TEE Boundary.
type Attestor struct {
	mu        sync.RWMutex
	runtime   enclave.Runtime
	enclaveID string

	// quoteKey signs structured quotes; in hardware mode a real DCAP
	// quoting enclave would hold this, so it is derived the same way
	// runtime.deriveSGXSealingKey derives the sealing key - deterministic
	// per enclave identity, never persisted separately.
	quoteKey []byte
}

// New creates a new attestor.
func New(cfg Config) (*Attestor, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}

	h := sha256.New()
	h.Write([]byte("QUOTE_SIGNING_KEY"))
	h.Write([]byte(cfg.EnclaveID))

	return &Attestor{
		runtime:   cfg.Runtime,
		enclaveID: cfg.EnclaveID,
		quoteKey:  h.Sum(nil),
	}, nil
}

// Attestation returns the measurement/attribute bundle described at the
// attestation boundary, including a quote blob when includeQuote is set
// and the runtime is not in pure-software mode.
func (a *Attestor) Attestation(ctx context.Context, includeQuote bool) (*types.AttestationBundle, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	mrEnclave, err := a.runtime.GetMeasurement()
	if err != nil {
		return nil, fmt.Errorf("get measurement: %w", err)
	}
	mrSigner, err := a.runtime.GetSignerMeasurement()
	if err != nil {
		return nil, fmt.Errorf("get signer measurement: %w", err)
	}

	bundle := &types.AttestationBundle{
		Mode:               a.runtime.Mode(),
		MeasurementEnclave: mrEnclave,
		MeasurementSigner:  mrSigner,
		ProductID:          a.runtime.ProductID(),
		SVN:                a.runtime.SVN(),
		Attributes: types.Attributes{
			Debug:     a.runtime.Mode() == enclave.ModeSimulation,
			Mode64Bit: true,
		},
		QuoteStatus: types.QuoteStatusOK,
	}

	if includeQuote {
		quote := a.buildQuote(nil, mrEnclave, mrSigner)
		bundle.QuoteBlob = quote
		status, err := a.verifyQuote(quote, mrEnclave, mrSigner)
		if err != nil {
			status = types.QuoteStatusSignatureInvalid
		}
		bundle.QuoteStatus = status
	}

	return bundle, nil
}

// GenerateQuote builds a standalone structured quote binding the given
// report data to the current enclave/signer measurements. Exposed
// separately from Attestation for callers that only need a quote, not the
// full bundle.
func (a *Attestor) GenerateQuote(ctx context.Context, reportData []byte) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	mrEnclave, err := a.runtime.GetMeasurement()
	if err != nil {
		return nil, fmt.Errorf("get measurement: %w", err)
	}
	mrSigner, err := a.runtime.GetSignerMeasurement()
	if err != nil {
		return nil, fmt.Errorf("get signer measurement: %w", err)
	}
	return a.buildQuote(reportData, mrEnclave, mrSigner), nil
}

func (a *Attestor) buildQuote(reportData []byte, mrEnclave, mrSigner [32]byte) []byte {
	body := quoteBody{
		Version:    quoteVersion,
		AttKeyType: attKeyTypeECDSA,
		MREnclave:  mrEnclave,
		MRSigner:   mrSigner,
		ProductID:  a.runtime.ProductID(),
		SVN:        a.runtime.SVN(),
		Timestamp:  time.Now().Unix(),
		TCBStatus:  0,
	}
	if a.runtime.Mode() == enclave.ModeSimulation {
		body.Debug = 1
	}
	copy(body.QEVendorID[:], []byte("R3E-CONF-RUNTIME"))
	if reportData != nil {
		copy(body.ReportData[:], reportData)
	}
	userHash := sha256.Sum256(reportData)
	copy(body.UserData[:], userHash[:20])

	var buf bytes.Buffer
	buf.Write(quoteMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, body)

	mac := hmac.New(sha256.New, a.quoteKey)
	mac.Write(buf.Bytes())
	sig := mac.Sum(nil)
	buf.Write(sig)

	return buf.Bytes()
}

// VerifyQuote verifies a quote blob against this enclave's own identity.
func (a *Attestor) VerifyQuote(ctx context.Context, quote []byte) (types.QuoteStatus, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	mrEnclave, err := a.runtime.GetMeasurement()
	if err != nil {
		return "", fmt.Errorf("get measurement: %w", err)
	}
	mrSigner, err := a.runtime.GetSignerMeasurement()
	if err != nil {
		return "", fmt.Errorf("get signer measurement: %w", err)
	}
	return a.verifyQuote(quote, mrEnclave, mrSigner)
}

func (a *Attestor) verifyQuote(quote []byte, expectedEnclave, expectedSigner [32]byte) (types.QuoteStatus, error) {
	bodySize := binary.Size(quoteBody{})
	total := len(quoteMagic) + bodySize + quoteHMACSize
	if len(quote) != total {
		return types.QuoteStatusSignatureInvalid, fmt.Errorf("quote has wrong length: %d != %d", len(quote), total)
	}
	if !bytes.Equal(quote[:len(quoteMagic)], quoteMagic[:]) {
		return types.QuoteStatusSignatureInvalid, fmt.Errorf("bad quote magic")
	}

	signed := quote[:len(quoteMagic)+bodySize]
	gotSig := quote[len(quoteMagic)+bodySize:]

	mac := hmac.New(sha256.New, a.quoteKey)
	mac.Write(signed)
	wantSig := mac.Sum(nil)
	if !hmac.Equal(gotSig, wantSig) {
		return types.QuoteStatusSignatureInvalid, nil
	}

	var body quoteBody
	if err := binary.Read(bytes.NewReader(quote[len(quoteMagic):len(quoteMagic)+bodySize]), binary.BigEndian, &body); err != nil {
		return types.QuoteStatusSignatureInvalid, fmt.Errorf("parse quote body: %w", err)
	}

	if body.MREnclave != expectedEnclave {
		return types.QuoteStatusGroupOutOfDate, nil
	}
	if body.MRSigner != expectedSigner {
		return types.QuoteStatusKeyRevoked, nil
	}

	return types.QuoteStatusOK, nil
}
