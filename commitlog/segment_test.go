package commitlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	datadir := tempDir(t)
	defer os.RemoveAll(datadir)
	s, err := createSegment(datadir, 0, 200)
	require.NoError(t, err)
	defer s.Delete()
	value := []byte("test")

	t.Run("should not allow creating an existing segment", func(t *testing.T) {
		_, err := createSegment(datadir, 0, 200)
		require.Error(t, err)
	})
	t.Run("should write provided value", func(t *testing.T) {
		n, err := s.WriteEntry(2, value)
		require.NoError(t, err)
		require.Equal(t, uint64(0), n)
	})
	t.Run("should close then reopen without error", func(t *testing.T) {
		require.NoError(t, s.Close())
		s, err = openSegment(datadir, 0, 200)
		require.NoError(t, err)
		require.Equal(t, uint64(1), s.CurrentOffset())
		require.Equal(t, uint64(EntryHeaderSize+len(value)), s.Size())
	})
	t.Run("should allow looking up keys", func(t *testing.T) {
		s.WriteEntry(6, value)
		s.WriteEntry(10, value)
		s.WriteEntry(14, value)
		_, ok := s.LookupKey(1)
		require.False(t, ok)
		offset, ok := s.LookupKey(2)
		require.True(t, ok)
		require.Equal(t, uint64(0), offset)
		offset, ok = s.LookupKey(11)
		require.True(t, ok)
		require.Equal(t, uint64(2), offset)
		offset, ok = s.LookupKey(100)
		require.True(t, ok)
		require.Equal(t, uint64(3), offset)
	})
	t.Run("should drop a partially written entry on reopen", func(t *testing.T) {
		size := s.Size()
		fd, err := os.OpenFile(segmentName(datadir, 0), os.O_WRONLY|os.O_APPEND, 0640)
		require.NoError(t, err)
		_, err = fd.Write([]byte{0, 0, 0})
		require.NoError(t, err)
		require.NoError(t, fd.Close())
		require.NoError(t, s.Close())
		s, err = openSegment(datadir, 0, 200)
		require.NoError(t, err)
		require.Equal(t, uint64(4), s.CurrentOffset())
		require.Equal(t, size, s.Size())
	})
	t.Run("should refuse writes once full", func(t *testing.T) {
		small, err := createSegment(datadir, 1000, 1)
		require.NoError(t, err)
		defer small.Delete()
		_, err = small.WriteEntry(0, value)
		require.NoError(t, err)
		_, err = small.WriteEntry(1, value)
		require.Equal(t, ErrSegmentFull, err)
	})
}

func BenchmarkSegment(b *testing.B) {
	datadir := tempDir(b)
	defer os.RemoveAll(datadir)
	s, err := createSegment(datadir, 0, 2000000)
	require.NoError(b, err)
	defer s.Delete()
	value := []byte("test")
	b.Run("write", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err = s.WriteEntry(uint64(i), value)
			if err != nil {
				b.Fatalf("segment write failed: %v", err)
			}
		}
	})
}
