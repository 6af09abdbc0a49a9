package gas

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential-runtime/tee/types"
)

func TestChargeAccumulatesUsed(t *testing.T) {
	m := New(Config{Limit: 100})
	defer m.Close()

	require.NoError(t, m.Charge(10))
	require.NoError(t, m.Charge(20))
	require.EqualValues(t, 30, m.Used())
}

func TestChargeLocksOutOnExhaustion(t *testing.T) {
	m := New(Config{Limit: 50})
	defer m.Close()

	require.NoError(t, m.Charge(40))
	err := m.Charge(20)
	require.Error(t, err)

	var rerr *types.RuntimeError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, types.KindOutOfGas, rerr.Kind)
	require.ErrorIs(t, err, types.ErrOutOfGas)
	require.True(t, m.LockedOut())

	// Once locked out, every subsequent charge fails without accumulating
	// further (used is observable and stable at the exhausting value).
	usedAtLockout := m.Used()
	require.Error(t, m.Charge(1))
	require.Equal(t, usedAtLockout, m.Used())
}

func TestUsedNeverDecreases(t *testing.T) {
	m := New(Config{Limit: 1000})
	defer m.Close()

	require.NoError(t, m.Charge(5))
	last := m.Used()
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Charge(1))
		now := m.Used()
		require.GreaterOrEqual(t, now, last)
		last = now
	}
}

func TestResetClearsStateBetweenRequests(t *testing.T) {
	m := New(Config{Limit: 10})
	defer m.Close()

	require.NoError(t, m.Charge(10))
	require.Error(t, m.Charge(1))
	require.True(t, m.LockedOut())

	m.Reset()
	require.False(t, m.LockedOut())
	require.EqualValues(t, 0, m.Used())
	require.NoError(t, m.Charge(5))
}

func TestTimeAccrualAddsToUsed(t *testing.T) {
	m := New(Config{Limit: 100_000, TimeRate: 1000, AccrueInterval: 10 * time.Millisecond})
	defer m.Close()

	time.Sleep(50 * time.Millisecond)
	used := m.Used()
	require.Greater(t, used, int64(0))
}

func TestChargeIsThreadSafe(t *testing.T) {
	m := New(Config{Limit: 1_000_000})
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.Charge(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5000, m.Used())
}
