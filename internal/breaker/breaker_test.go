package breaker

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

func newBreaker() *Breaker {
	return New(Config{MaxDrawdownPct: 0.05, MaxDeviationPct: 0.01, NetworkTimeout: 10 * time.Second}, slog.Default())
}

func TestDeviationTrip(t *testing.T) {
	b := newBreaker()
	assert.False(t, b.CheckDeviation("BTC/USDT", 100.5, 100))
	assert.True(t, b.CheckDeviation("BTC/USDT", 90, 100))
	assert.Contains(t, b.State().Reason, "deviates")
}

func TestPnLTripOnlyOnLoss(t *testing.T) {
	b := newBreaker()
	b.SetInitialCapital(1000)
	b.SetInitialCapital(5) // ignored
	assert.False(t, b.CheckPnL(2000))
	assert.False(t, b.CheckPnL(960))
	assert.True(t, b.CheckPnL(940))
	assert.Equal(t, 1000.0, b.State().InitialCapital)
}

func TestHeartbeatTrip(t *testing.T) {
	b := newBreaker()
	now := time.Now()
	b.now = func() time.Time { return now }

	assert.False(t, b.CheckHeartbeat(), "no heartbeat yet")
	b.Heartbeat(now.Add(-5 * time.Second))
	assert.False(t, b.CheckHeartbeat())
	b.Heartbeat(now.Add(-20 * time.Second)) // older, ignored
	assert.False(t, b.CheckHeartbeat())

	now = now.Add(6 * time.Second)
	assert.True(t, b.CheckHeartbeat())
}

func TestTripIsOneWayAndNotifiesOnce(t *testing.T) {
	b := newBreaker()
	var got []domain.BreakerState
	b.OnTrip(func(s domain.BreakerState) { got = append(got, s) })

	require.True(t, b.CheckDeviation("BTC/USDT", 50, 100))
	first := b.State()

	assert.True(t, b.CheckDeviation("BTC/USDT", 100, 100), "healthy data does not reset")
	b.SetInitialCapital(1)
	assert.True(t, b.CheckPnL(0))
	assert.Len(t, got, 1)
	assert.Equal(t, first.Reason, b.State().Reason)
	assert.False(t, first.TrippedAt.IsZero())
}
