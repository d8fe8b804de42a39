package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllow_PermitsUpToBurstThenDenies(t *testing.T) {
	l := New(1, 2, time.Minute)

	require.True(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
}

func TestAllow_TracksClientsIndependently(t *testing.T) {
	l := New(1, 1, time.Minute)

	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.2"))

	require.Equal(t, 2, l.Stats())
}

func TestCleanup_EvictsOnlyIdleClients(t *testing.T) {
	l := New(1, 1, time.Millisecond)

	l.Allow("10.0.0.1")
	time.Sleep(5 * time.Millisecond)
	l.Allow("10.0.0.2")

	l.mu.Lock()
	l.clients["10.0.0.1"].lastUse = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.Cleanup()

	require.Equal(t, 1, l.Stats())
}
