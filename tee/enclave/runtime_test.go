package enclave

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func newTestRuntime(t *testing.T) Runtime {
	t.Helper()
	rt, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))
	return rt
}

func TestSealUnsealRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)

	for _, policy := range []types.SealPolicy{
		types.SealPolicyEnclaveIdentity,
		types.SealPolicySignerIdentity,
		types.SealPolicyHybrid,
	} {
		plaintext := []byte("top secret value: " + policy.String())
		blob, err := rt.Seal(plaintext, policy)
		require.NoError(t, err)

		got, err := rt.Unseal(blob)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestUnsealDetectsTampering(t *testing.T) {
	rt := newTestRuntime(t)

	blob, err := rt.Seal([]byte("hello"), types.SealPolicyEnclaveIdentity)
	require.NoError(t, err)

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = rt.Unseal(tampered)
	require.ErrorIs(t, err, types.ErrIntegrityError)
}

func TestUnsealRejectsShortBlob(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Unseal([]byte("short"))
	require.ErrorIs(t, err, types.ErrIntegrityError)
}

func TestMeasurementsAreCachedAndStable(t *testing.T) {
	rt := newTestRuntime(t)

	m1, err := rt.GetMeasurement()
	require.NoError(t, err)
	m2, err := rt.GetMeasurement()
	require.NoError(t, err)
	require.Equal(t, m1, m2)

	s1, err := rt.GetSignerMeasurement()
	require.NoError(t, err)
	require.NotEqual(t, m1, s1)
}

func TestGenerateRandomDistinct(t *testing.T) {
	rt := newTestRuntime(t)
	a, err := rt.GenerateRandom(32)
	require.NoError(t, err)
	b, err := rt.GenerateRandom(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestSignAndVerifySignature(t *testing.T) {
	rt := newTestRuntime(t)

	data := []byte("audit record payload")
	sig, err := rt.Sign(data)
	require.NoError(t, err)

	ok, err := rt.VerifySignature(data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rt.VerifySignature([]byte("different payload"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSigningPublicKeyIsStable(t *testing.T) {
	rt := newTestRuntime(t)
	k1, err := rt.SigningPublicKey()
	require.NoError(t, err)
	k2, err := rt.SigningPublicKey()
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestSimulationSealingIsNotDurableAcrossNewRuntime(t *testing.T) {
	rt1, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt1.Initialize(context.Background()))
	blob, err := rt1.Seal([]byte("payload"), types.SealPolicyEnclaveIdentity)
	require.NoError(t, err)

	rt2, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt2.Initialize(context.Background()))

	_, err = rt2.Unseal(blob)
	require.Error(t, err)
}
