package commitlog

import (
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor(t *testing.T) {
	datadir := tempDir(t)
	defer os.RemoveAll(datadir)
	clog, err := Open(datadir, 10)
	require.NoError(t, err)
	defer clog.Delete()
	value := []byte("test")

	for i := 0; i < 50; i++ {
		_, err := clog.WriteEntry(uint64(i), value)
		require.NoError(t, err)
	}

	t.Run("should stream every entry across segments", func(t *testing.T) {
		c := clog.Reader()
		buf, err := ioutil.ReadAll(c)
		require.NoError(t, err)
		require.Equal(t, 50*(EntryHeaderSize+len(value)), len(buf))
	})
	t.Run("should reject unsupported whence", func(t *testing.T) {
		c := clog.Reader()
		_, err := c.Seek(1, io.SeekCurrent)
		require.Error(t, err)
		_, err = c.Seek(-1, io.SeekStart)
		require.Equal(t, ErrOffsetOutOfRange, err)
	})
	t.Run("should seek on the offset following the last entry", func(t *testing.T) {
		c := clog.Reader()
		_, err := c.Seek(50, io.SeekStart)
		require.NoError(t, err)
		_, err = c.Read(make([]byte, 4))
		require.Equal(t, io.EOF, err)
	})
}
