package commitlog

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempDir(t testing.TB) string {
	datadir, err := ioutil.TempDir("", "commitlog")
	require.NoError(t, err)
	return datadir
}

func TestCommitLog(t *testing.T) {
	datadir := tempDir(t)
	defer os.RemoveAll(datadir)
	clog, err := Open(datadir, 10)
	require.NoError(t, err)
	value := []byte("test")

	t.Run("should allow reading from empty log", func(t *testing.T) {
		r := clog.Reader()
		buf := make([]byte, len(value))
		n, err := r.Read(buf)
		require.Equal(t, io.EOF, err)
		require.Equal(t, 0, n)
	})
	t.Run("should not find keys in an empty log", func(t *testing.T) {
		_, err := clog.Lookup(0)
		require.Equal(t, ErrKeyNotFound, err)
	})

	for i := 0; i < 50; i++ {
		n, err := clog.WriteEntry(uint64(i*len(value)), value)
		require.NoError(t, err)
		require.Equal(t, uint64(i), n)
	}
	require.Equal(t, 5, len(clog.(*commitLog).segments))

	t.Run("should close then reopen without error", func(t *testing.T) {
		require.NoError(t, clog.Close())
		clog, err = Open(datadir, 10)
		require.NoError(t, err)
		require.Equal(t, uint64(50), clog.Offset())
	})
	t.Run("should allow looking up for offset", func(t *testing.T) {
		l := clog.(*commitLog)
		require.Equal(t, 2, l.lookupOffset(27))
		require.Equal(t, 0, l.lookupOffset(9))
		require.Equal(t, 1, l.lookupOffset(10))
	})
	t.Run("should allow reading entries by offset", func(t *testing.T) {
		entry, err := clog.ReadEntry(23)
		require.NoError(t, err)
		require.Equal(t, uint64(23), entry.Offset())
		require.Equal(t, uint64(92), entry.Key())
		require.Equal(t, value, entry.Payload())
		_, err = clog.ReadEntry(50)
		require.Equal(t, ErrOffsetOutOfRange, err)
	})
	t.Run("should allow reading from log", func(t *testing.T) {
		r := clog.Reader()
		buf := make([]byte, len(value)+EntryHeaderSize)
		for i := 0; i < 50; i++ {
			n, err := r.Read(buf)
			require.NoError(t, err, fmt.Sprintf("index: %d", i))
			require.Equal(t, len(value)+EntryHeaderSize, n, buf)
		}
		_, err := r.Read(buf)
		require.Equal(t, io.EOF, err)
	})
	t.Run("should allow looking up keys", func(t *testing.T) {
		offset, err := clog.Lookup(5)
		require.NoError(t, err)
		require.Equal(t, uint64(1), offset)
		offset, err = clog.Lookup(104)
		require.NoError(t, err)
		require.Equal(t, uint64(26), offset)
		offset, err = clog.Lookup(10000)
		require.NoError(t, err)
		require.Equal(t, uint64(49), offset)
	})
	t.Run("should allow a decoder to be plugged in", func(t *testing.T) {
		r := clog.Reader()
		defer r.Close()
		_, err := r.Seek(11, io.SeekStart)
		require.NoError(t, err)
		dec := NewDecoder(r)
		for i := 11; i < 50; i++ {
			entry, err := dec.Decode()
			require.NoError(t, err)
			require.Equal(t, uint64(i), entry.Offset())
			require.Equal(t, value, entry.Payload())
		}
		_, err = dec.Decode()
		require.Equal(t, io.EOF, err)
	})
	t.Run("should delete whole segments before an offset", func(t *testing.T) {
		require.NoError(t, clog.DeleteBefore(25))
		require.Equal(t, uint64(20), clog.Earliest())
		stats := clog.GetStatistics()
		require.Equal(t, uint64(3), stats.SegmentCount)
		require.Equal(t, uint64(50), stats.CurrentOffset)
		require.Equal(t, uint64(30*(EntryHeaderSize+len(value))), stats.StoredBytes)
		_, err := clog.ReadEntry(5)
		require.Equal(t, ErrOffsetOutOfRange, err)
		_, err = clog.Lookup(3)
		require.Equal(t, ErrKeyNotFound, err)
	})
	t.Run("should keep offsets after reopening a trimmed log", func(t *testing.T) {
		require.NoError(t, clog.Close())
		clog, err = Open(datadir, 10)
		require.NoError(t, err)
		require.Equal(t, uint64(20), clog.Earliest())
		n, err := clog.WriteEntry(200, value)
		require.NoError(t, err)
		require.Equal(t, uint64(50), n)
	})
	require.NoError(t, clog.Delete())
}

func BenchmarkLog(b *testing.B) {
	datadir := tempDir(b)
	defer os.RemoveAll(datadir)
	s, err := Open(datadir, 500)
	require.NoError(b, err)
	defer s.Delete()
	value := []byte("test")
	b.Run("write", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err = s.WriteEntry(uint64(i), value)
			if err != nil {
				b.Fatalf("log write failed: %v", err)
			}
		}
	})
}
