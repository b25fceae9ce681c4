package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/stats"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

const maxFlushChunkSize = 1024 * 1024

// offsetTranslation maps logical byte stream offsets to segment offsets.
type offsetTranslation struct {
	segment storage.Segment
	base    int64
}

func (t offsetTranslation) toSegment(logical int64) (storage.Segment, int64) {
	return t.segment, logical + t.base
}

func (t offsetTranslation) toLogical(segmentOffset int64) int64 {
	return segmentOffset - t.base
}

// ByteStream exposes a single segment stream as a seekable sequence of bytes.
// Written bytes are buffered until Flush.
type ByteStream struct {
	mtx            sync.Mutex
	ctx            context.Context
	stream         storage.Stream
	service        storage.Service
	translation    offsetTranslation
	writerID       string
	next           int64
	buffer         []byte
	flushThreshold int
	callTimeout    time.Duration
	retry          retryPolicy
	logger         *zap.Logger
	head           int64
	tail           int64
	cursor         int64
	release        func()
}

var (
	_ io.ReadWriteSeeker = &ByteStream{}
	_ io.Closer          = &ByteStream{}
)

func openByteStream(ctx context.Context, stream storage.Stream, service storage.Service, opts ManagerOptions) (*ByteStream, error) {
	set, err := service.GetSegments(ctx, stream)
	if err != nil {
		return nil, err
	}
	if set.Sealed {
		return nil, errors.Wrap(ErrStreamSealed, stream.String())
	}
	if len(set.Segments) != 1 {
		return nil, invalidArgument("byte streams require a single segment stream, %s has %d", stream, len(set.Segments))
	}
	s := &ByteStream{
		ctx:            ctx,
		stream:         stream,
		service:        service,
		translation:    offsetTranslation{segment: set.Segments[0].Segment},
		writerID:       uuid.New().String(),
		flushThreshold: opts.FlushThreshold,
		callTimeout:    opts.CallTimeout,
		retry:          opts.retryPolicy(),
		logger:         opts.Logger.With(zap.String("stream_name", stream.String())),
	}
	if err := s.syncWatermarks(); err != nil {
		return nil, err
	}
	s.cursor = s.head
	return s, nil
}

func (s *ByteStream) callContext() (context.Context, context.CancelFunc) {
	ctx := StoreLogger(s.ctx, s.logger)
	if s.callTimeout > 0 {
		return context.WithTimeout(ctx, s.callTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *ByteStream) syncWatermarks() error {
	ctx, cancel := s.callContext()
	defer cancel()
	segment, _ := s.translation.toSegment(0)
	var info storage.SegmentInfo
	err := s.retry.retry(ctx, "segment_info", nil, func() error {
		return observeCall(ctx, "segment_info", func() error {
			var err error
			info, err = s.service.GetSegmentInfo(ctx, segment)
			return err
		})
	})
	if err != nil {
		return err
	}
	if head := s.translation.toLogical(info.StartOffset); head > s.head {
		s.head = head
	}
	if tail := s.translation.toLogical(info.WriteOffset); tail > s.tail {
		s.tail = tail
	}
	return nil
}

// Write buffers p. The buffer is flushed once it grows past the flush threshold.
func (s *ByteStream) Write(p []byte) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.buffer = append(s.buffer, p...)
	if s.flushThreshold > 0 && len(s.buffer) >= s.flushThreshold {
		if err := s.flush(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush makes buffered bytes durable and advances the tail offset.
func (s *ByteStream) Flush() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.flush()
}

func (s *ByteStream) flush() error {
	ctx, cancel := s.callContext()
	defer cancel()
	for len(s.buffer) > 0 {
		size := len(s.buffer)
		if size > maxFlushChunkSize {
			size = maxFlushChunkSize
		}
		chunk := s.buffer[:size]
		event := storage.Event{WriterID: s.writerID, Number: s.next, Payload: chunk}
		segment, _ := s.translation.toSegment(s.tail)
		var offset int64
		err := s.retry.retry(ctx, "flush", nil, func() error {
			return observeCall(ctx, "append", func() error {
				var err error
				offset, err = s.service.Append(ctx, segment, event)
				return err
			})
		})
		if err != nil {
			return errors.Wrap(err, "failed to flush byte stream")
		}
		s.next++
		s.tail = s.translation.toLogical(offset) + int64(size)
		s.buffer = s.buffer[size:]
		stats.CounterVec("bytesFlushed").WithLabelValues(s.stream.String()).Add(float64(size))
	}
	s.buffer = nil
	return nil
}

func (s *ByteStream) CurrentTailOffset() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.tail
}

func (s *ByteStream) CurrentHeadOffset() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.head
}

func (s *ByteStream) Tell() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cursor
}

func (s *ByteStream) Seekable() bool {
	return true
}

// Read reads from the current position. It returns io.EOF at the tail, and
// fails when the position was truncated away.
func (s *ByteStream) Read(p []byte) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	if s.cursor < s.head {
		return 0, invalidArgument("read position %d is below head offset %d", s.cursor, s.head)
	}
	if s.cursor >= s.tail {
		if err := s.syncWatermarks(); err != nil {
			return 0, err
		}
		if s.cursor < s.head {
			return 0, invalidArgument("read position %d is below head offset %d", s.cursor, s.head)
		}
		if s.cursor >= s.tail {
			return 0, io.EOF
		}
	}
	ctx, cancel := s.callContext()
	defer cancel()
	var n int
	for n < len(p) && s.cursor < s.tail {
		segment, offset := s.translation.toSegment(s.cursor)
		var data []byte
		err := s.retry.retry(ctx, "read", nil, func() error {
			return observeCall(ctx, "read", func() error {
				var err error
				data, err = s.service.Read(ctx, segment, offset, len(p)-n)
				return err
			})
		})
		if errors.Is(err, storage.ErrOffsetTruncated) {
			if syncErr := s.syncWatermarks(); syncErr != nil {
				s.logger.Warn("failed to refresh byte stream watermarks", zap.Int64("read_position", s.cursor), zap.Error(syncErr))
			}
			return n, invalidArgument("read position %d was truncated", s.cursor)
		}
		if err != nil {
			return n, err
		}
		if len(data) == 0 {
			break
		}
		copy(p[n:], data)
		n += len(data)
		s.cursor += int64(len(data))
	}
	return n, nil
}

// Seek moves the read position. Whence follows io.Seeker; positions outside
// of [head, tail] are rejected and leave the position unchanged.
func (s *ByteStream) Seek(offset int64, whence int) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.cursor
	case io.SeekEnd:
		base = s.tail
	default:
		return s.cursor, invalidArgument("invalid whence %d", whence)
	}
	target := base + offset
	if target < s.head || target > s.tail {
		return s.cursor, invalidArgument("position %d is outside of [%d, %d]", target, s.head, s.tail)
	}
	s.cursor = target
	return s.cursor, nil
}

// Truncate discards every byte below offset.
func (s *ByteStream) Truncate(offset int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if offset < s.head || offset > s.tail {
		return invalidArgument("truncation offset %d is outside of [%d, %d]", offset, s.head, s.tail)
	}
	ctx, cancel := s.callContext()
	defer cancel()
	segment, segmentOffset := s.translation.toSegment(offset)
	err := s.retry.retry(ctx, "truncate", nil, func() error {
		return observeCall(ctx, "truncate", func() error {
			return s.service.TruncateSegment(ctx, segment, segmentOffset)
		})
	})
	if err != nil {
		return errors.Wrap(err, "failed to truncate byte stream")
	}
	s.head = offset
	s.logger.Debug("byte stream truncated", zap.Int64("head_offset", offset))
	return nil
}

// Close flushes buffered bytes.
func (s *ByteStream) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.release != nil {
		s.release()
	}
	return nil
}
