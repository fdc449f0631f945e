package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerDepthGuard(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{MaxDepth: 5})
	require.NoError(t, b.Allow("c1", "marketing-manager", 5))
	require.ErrorIs(t, b.Allow("c1", "marketing-manager", 6), ErrDepthExceeded)
}

func TestBreakerCustomerCap(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{MaxCustomerPerHour: 3, MaxAgentTypePerHour: 100})
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow("c1", "agent", 0))
	}
	require.ErrorIs(t, b.Allow("c1", "agent", 0), ErrCustomerRateExceeded)
	// Other customers are unaffected.
	require.NoError(t, b.Allow("c2", "agent", 0))
}

func TestBreakerAgentTypeCap(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{MaxCustomerPerHour: 100, MaxAgentTypePerHour: 2})
	require.NoError(t, b.Allow("c1", "wellness", 0))
	require.NoError(t, b.Allow("c2", "wellness", 0))
	require.ErrorIs(t, b.Allow("c3", "wellness", 0), ErrAgentRateExceeded)
	require.NoError(t, b.Allow("c3", "other", 0))
}

func TestBreakerHourlyReset(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewCircuitBreaker(BreakerOptions{
		MaxCustomerPerHour: 1,
		Now:                func() time.Time { return now },
	})
	require.NoError(t, b.Allow("c1", "agent", 0))
	require.ErrorIs(t, b.Allow("c1", "agent", 0), ErrCustomerRateExceeded)

	now = now.Add(time.Hour)
	require.NoError(t, b.Allow("c1", "agent", 0))
}
