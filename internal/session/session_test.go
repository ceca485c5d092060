package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseIsMonotonic(t *testing.T) {
	s := New("id-1", "127.0.0.1:1", nil)
	require.Equal(t, AwaitingNetworkSettings, s.Phase())

	s.SetPlaying() // attempting to skip ahead is fine, forward is forward
	require.Equal(t, Playing, s.Phase())

	s.setPhase(AwaitingNetworkSettings) // backward transition must be rejected
	require.Equal(t, Playing, s.Phase())
}

func TestPhaseOrdering(t *testing.T) {
	s := New("id-1", "127.0.0.1:1", nil)
	require.Equal(t, AwaitingNetworkSettings, s.Phase())
	s.SetAwaitingDownstream()
	require.Equal(t, AwaitingDownstream, s.Phase())
	s.SetPlaying()
	require.Equal(t, Playing, s.Phase())
}

func TestDeferLoginKeepsFirst(t *testing.T) {
	s := New("id-1", "127.0.0.1:1", nil)
	s.DeferLogin([]byte("first"))
	s.DeferLogin([]byte("second"))
	require.True(t, s.HasPendingLogin())
	require.Equal(t, []byte("first"), s.TakePendingLogin())
	require.False(t, s.HasPendingLogin())
	require.Nil(t, s.TakePendingLogin())
}

func TestLoginForwardedIsOneShot(t *testing.T) {
	s := New("id-1", "127.0.0.1:1", nil)
	require.True(t, s.MarkLoginForwarded())
	require.False(t, s.MarkLoginForwarded())
	require.True(t, s.LoginForwarded())
}

func TestBeginDisconnectIsReentrantSafe(t *testing.T) {
	s := New("id-1", "127.0.0.1:1", nil)
	require.True(t, s.BeginDisconnect())
	require.False(t, s.BeginDisconnect())
	require.True(t, s.Disconnecting())
}
