package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerAddGetRemove(t *testing.T) {
	m := NewManager()
	s := New("id-1", "127.0.0.1:1", nil)
	m.Add(s)

	got, ok := m.Get("id-1")
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, 1, m.Count())

	m.Remove("id-1")
	_, ok = m.Get("id-1")
	require.False(t, ok)
	require.Equal(t, 0, m.Count())
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	m := NewManager()
	calls := 0
	m.OnRemove = func(*Session) { calls++ }

	s := New("id-1", "127.0.0.1:1", nil)
	m.Add(s)
	m.Remove("id-1")
	m.Remove("id-1") // second removal of a missing id must not re-fire OnRemove
	require.Equal(t, 1, calls)
}

func TestManagerAllIsSnapshot(t *testing.T) {
	m := NewManager()
	m.Add(New("id-1", "a", nil))
	m.Add(New("id-2", "b", nil))

	all := m.All()
	require.Len(t, all, 2)

	m.Remove("id-1")
	require.Len(t, all, 2, "snapshot must not change after mutation")
	require.Equal(t, 1, m.Count())
}

func TestManagerRemoveAll(t *testing.T) {
	m := NewManager()
	var removed []*Session
	m.OnRemove = func(s *Session) { removed = append(removed, s) }

	m.Add(New("id-1", "a", nil))
	m.Add(New("id-2", "b", nil))

	out := m.RemoveAll()
	require.Len(t, out, 2)
	require.Len(t, removed, 2)
	require.Equal(t, 0, m.Count())
}
