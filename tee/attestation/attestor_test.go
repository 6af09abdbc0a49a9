package attestation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/tee/enclave"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func newTestAttestor(t *testing.T) (*Attestor, enclave.Runtime) {
	t.Helper()
	rt, err := enclave.New(enclave.Config{Mode: enclave.ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	a, err := New(Config{Runtime: rt, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	return a, rt
}

func TestAttestationBundleWithoutQuote(t *testing.T) {
	a, _ := newTestAttestor(t)
	bundle, err := a.Attestation(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, types.EnclaveModeSimulation, bundle.Mode)
	require.Nil(t, bundle.QuoteBlob)
	require.True(t, bundle.Attributes.Debug)
}

func TestAttestationBundleWithQuoteVerifiesOK(t *testing.T) {
	a, _ := newTestAttestor(t)
	bundle, err := a.Attestation(context.Background(), true)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.QuoteBlob)
	require.Equal(t, types.QuoteStatusOK, bundle.QuoteStatus)

	status, err := a.VerifyQuote(context.Background(), bundle.QuoteBlob)
	require.NoError(t, err)
	require.Equal(t, types.QuoteStatusOK, status)
}

func TestVerifyQuoteDetectsTampering(t *testing.T) {
	a, _ := newTestAttestor(t)
	quote, err := a.GenerateQuote(context.Background(), []byte("report"))
	require.NoError(t, err)

	tampered := append([]byte(nil), quote...)
	tampered[len(tampered)-1] ^= 0xFF

	status, err := a.VerifyQuote(context.Background(), tampered)
	require.NoError(t, err)
	require.Equal(t, types.QuoteStatusSignatureInvalid, status)
}
