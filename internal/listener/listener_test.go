package listener

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireClientSlot_EnforcesPerClientCap(t *testing.T) {
	l := &Listener{MaxConnectionsPerClient: 2}

	require.True(t, l.acquireClientSlot("10.0.0.1"))
	require.True(t, l.acquireClientSlot("10.0.0.1"))
	require.False(t, l.acquireClientSlot("10.0.0.1"), "third concurrent connection from the same client should be rejected")

	// A different client has its own independent budget.
	require.True(t, l.acquireClientSlot("10.0.0.2"))
}

func TestReleaseClientSlot_FreesUpCapacityForReuse(t *testing.T) {
	l := &Listener{MaxConnectionsPerClient: 1}

	require.True(t, l.acquireClientSlot("10.0.0.1"))
	require.False(t, l.acquireClientSlot("10.0.0.1"))

	l.releaseClientSlot("10.0.0.1")
	require.True(t, l.acquireClientSlot("10.0.0.1"))
}

func TestReleaseClientSlot_RemovesEntryAtZero(t *testing.T) {
	l := &Listener{MaxConnectionsPerClient: 5}

	l.acquireClientSlot("10.0.0.1")
	l.releaseClientSlot("10.0.0.1")

	_, tracked := l.perClient["10.0.0.1"]
	require.False(t, tracked, "a client at zero in-flight connections should not linger in the map")
}
