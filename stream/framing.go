package stream

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	eventTypeData   uint32 = 0
	eventHeaderSize        = 8
	// MaxEventSize is the largest payload accepted by event writers.
	MaxEventSize = 8 * 1024 * 1024
)

var ErrCorruptedEvent = errors.New("corrupted event frame")

func frameEvent(payload []byte) ([]byte, error) {
	if len(payload) > MaxEventSize {
		return nil, invalidArgument("event of %d bytes exceeds the %d bytes limit", len(payload), MaxEventSize)
	}
	buf := make([]byte, eventHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], eventTypeData)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[eventHeaderSize:], payload)
	return buf, nil
}

type eventDecoder struct {
	r      io.Reader
	header []byte
}

func newEventDecoder(r io.Reader) *eventDecoder {
	return &eventDecoder{r: r, header: make([]byte, eventHeaderSize)}
}

func (d *eventDecoder) Decode() ([]byte, error) {
	_, err := io.ReadFull(d.r, d.header)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrCorruptedEvent
		}
		return nil, err
	}
	if binary.BigEndian.Uint32(d.header[0:4]) != eventTypeData {
		return nil, ErrCorruptedEvent
	}
	size := binary.BigEndian.Uint32(d.header[4:8])
	if size > MaxEventSize {
		return nil, ErrCorruptedEvent
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, ErrCorruptedEvent
	}
	return payload, nil
}
