package bucket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreTailAddAndSize(t *testing.T) {
	s, err := New(4, 4)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Empty(0))
	s.Add(0, 100)
	s.Add(0, 200)
	require.False(t, s.Empty(0))
	require.Equal(t, 2, s.Size(0))
	require.ElementsMatch(t, []uint64{100, 200}, s.IterTail(0))
}

func TestStoreSetBasePagesOutTail(t *testing.T) {
	s, err := New(2, 4)
	require.NoError(t, err)
	defer s.Close()

	s.Add(0, 1)
	s.Add(0, 2)
	s.Add(0, 3)
	require.NoError(t, s.SetBase())

	require.Equal(t, 3, s.Size(0))
	require.Empty(t, s.IterTail(0))

	view, err := s.MapAll(0, false)
	require.NoError(t, err)
	defer view.Close()
	require.Equal(t, 12, len(view.Bytes()))
}

func TestStoreRemoveFromTail(t *testing.T) {
	s, err := New(1, 4)
	require.NoError(t, err)
	defer s.Close()

	s.Add(0, 42)
	s.Add(0, 43)
	ok, err := s.Remove(0, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, s.Size(0))
	require.ElementsMatch(t, []uint64{43}, s.IterTail(0))
}

func TestStoreRemoveFromBaseAfterPageOut(t *testing.T) {
	s, err := New(1, 4)
	require.NoError(t, err)
	defer s.Close()

	s.Add(0, 10)
	s.Add(0, 20)
	s.Add(0, 30)
	require.NoError(t, s.SetBase())

	ok, err := s.Remove(0, 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, s.Size(0))

	ok, err = s.Remove(0, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreClearDropsAllEntries(t *testing.T) {
	s, err := New(2, 4)
	require.NoError(t, err)
	defer s.Close()

	s.Add(0, 1)
	s.Add(1, 2)
	require.NoError(t, s.SetBase())
	s.Clear()

	require.True(t, s.Empty(0))
	require.True(t, s.Empty(1))
}

func TestStoreRejectsBadRefWidth(t *testing.T) {
	_, err := New(1, 5)
	require.Error(t, err)
}
