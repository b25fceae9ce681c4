package stream

import (
	"context"
	"io"

	"github.com/vx-labs/nestclient/storage"
)

const segmentReadSize = 64 * 1024

type segmentBytes struct {
	ctx     context.Context
	service storage.Service
	segment storage.Segment
	offset  int64
}

func (r *segmentBytes) Read(p []byte) (int, error) {
	size := len(p)
	if size > segmentReadSize {
		size = segmentReadSize
	}
	data, err := r.service.Read(r.ctx, r.segment, r.offset, size)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	r.offset += int64(n)
	return n, nil
}

// SegmentReader iterates over the events stored in a segment.
type SegmentReader struct {
	source  *segmentBytes
	decoder *eventDecoder
}

func NewSegmentReader(ctx context.Context, service storage.Service, segment storage.Segment, offset int64) *SegmentReader {
	source := &segmentBytes{ctx: ctx, service: service, segment: segment, offset: offset}
	return &SegmentReader{source: source, decoder: newEventDecoder(source)}
}

// Next returns the next event payload, or io.EOF once the segment end is reached.
func (r *SegmentReader) Next() ([]byte, error) {
	return r.decoder.Decode()
}
