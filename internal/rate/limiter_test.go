package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenRefuse(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1, Burst: 3})

	assert.True(t, lim.Allow())
	assert.True(t, lim.Allow())
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
}

func TestLimiter_Refills(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 100, Burst: 1})
	require.True(t, lim.Allow())
	require.False(t, lim.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, lim.Allow())
}

func TestLimiter_Cooldown(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1000, Burst: 1, Cooldown: time.Hour})
	require.True(t, lim.Allow())
	require.False(t, lim.Allow())

	time.Sleep(10 * time.Millisecond)
	assert.False(t, lim.Allow(), "refill does not lift the cooldown")
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 0, Burst: 1})
	require.True(t, lim.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lim.Wait(ctx), context.DeadlineExceeded)
}

func TestManager_PerKeyBuckets(t *testing.T) {
	m := NewManager(Config{RequestsPerSecond: 0, Burst: 1})

	assert.True(t, m.Allow("alice"))
	assert.False(t, m.Allow("alice"))
	assert.True(t, m.Allow("bob"))
	assert.Same(t, m.GetLimiter("alice"), m.GetLimiter("alice"))
	assert.Equal(t, 2, m.Len())
}

func TestManager_Prune(t *testing.T) {
	m := NewManager(Config{RequestsPerSecond: 1, Burst: 1})
	m.Allow("old")
	time.Sleep(20 * time.Millisecond)
	m.Allow("fresh")

	assert.Equal(t, 1, m.Prune(10*time.Millisecond))
	assert.Equal(t, 1, m.Len())
}
