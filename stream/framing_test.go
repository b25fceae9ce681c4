package stream

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFraming(t *testing.T) {
	t.Run("should decode framed events", func(t *testing.T) {
		buf := bytes.NewBuffer(nil)
		for _, payload := range []string{"first", "", "third"} {
			framed, err := frameEvent([]byte(payload))
			require.NoError(t, err)
			buf.Write(framed)
		}
		decoder := newEventDecoder(buf)
		for _, expected := range []string{"first", "", "third"} {
			payload, err := decoder.Decode()
			require.NoError(t, err)
			require.Equal(t, expected, string(payload))
		}
		_, err := decoder.Decode()
		require.Equal(t, io.EOF, err)
	})
	t.Run("should detect truncated frames", func(t *testing.T) {
		framed, err := frameEvent([]byte("payload"))
		require.NoError(t, err)
		_, err = newEventDecoder(bytes.NewReader(framed[:10])).Decode()
		require.Equal(t, ErrCorruptedEvent, err)
	})
	t.Run("should reject oversized payloads", func(t *testing.T) {
		_, err := frameEvent(make([]byte, MaxEventSize+1))
		require.True(t, errors.Is(err, ErrInvalidArgument))
	})
}
