package local

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/commitlog"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

func (s *Service) GetSegments(ctx context.Context, stream storage.Stream) (storage.SegmentSet, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if err := s.checkAvailable(ctx); err != nil {
		return storage.SegmentSet{}, err
	}
	record, err := s.viewStream(stream)
	if err != nil {
		return storage.SegmentSet{}, err
	}
	return record.segmentSet(), nil
}

// writableSegment returns the record of a segment accepting appends.
func (s *Service) writableSegment(segment storage.Segment) (*streamRecord, *segmentRecord, error) {
	record, err := s.viewStream(segment.Stream)
	if err != nil {
		return nil, nil, err
	}
	if record.Sealed {
		return nil, nil, errors.Wrap(storage.ErrStreamSealed, segment.Stream.String())
	}
	segmentRecord, ok := record.segment(segment.Number)
	if !ok {
		return nil, nil, errors.Wrap(storage.ErrSegmentNotFound, segment.String())
	}
	if segmentRecord.Sealed {
		return record, segmentRecord, errors.Wrap(storage.ErrSegmentSealed, segment.String())
	}
	return record, segmentRecord, nil
}

// appendLocked writes an event to a segment log. Callers must hold the write lock.
func (s *Service) appendLocked(segment storage.Segment, event storage.Event) (int64, error) {
	state, err := s.segmentState(segment)
	if err != nil {
		return 0, err
	}
	if event.WriterID != "" {
		if last, ok := state.writers[event.WriterID]; ok && event.Number <= last.Number {
			s.logger.Debug("duplicate event acknowledged",
				zap.String("segment", segment.String()),
				zap.String("writer_id", event.WriterID),
				zap.Int64("event_number", event.Number))
			return last.Offset, nil
		}
	}
	offset := state.length
	if len(event.Payload) > 0 {
		if _, err := state.log.WriteEntry(uint64(offset), event.Payload); err != nil {
			return 0, errors.Wrapf(err, "failed to append to segment %s", segment)
		}
		state.length += int64(len(event.Payload))
	}
	if event.WriterID != "" {
		state.writers[event.WriterID] = dedupState{Number: event.Number, Offset: offset}
	}
	return offset, nil
}

func (s *Service) Append(ctx context.Context, segment storage.Segment, event storage.Event) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return 0, err
	}
	if _, _, err := s.writableSegment(segment); err != nil {
		return 0, err
	}
	return s.appendLocked(segment, event)
}

func (s *Service) segmentHead(segment storage.Segment) (*segmentRecord, error) {
	record, err := s.viewStream(segment.Stream)
	if err != nil {
		return nil, err
	}
	segmentRecord, ok := record.segment(segment.Number)
	if !ok {
		return nil, errors.Wrap(storage.ErrSegmentNotFound, segment.String())
	}
	return segmentRecord, nil
}

func (s *Service) Read(ctx context.Context, segment storage.Segment, offset int64, maxLength int) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return nil, err
	}
	segmentRecord, err := s.segmentHead(segment)
	if err != nil {
		return nil, err
	}
	if offset < segmentRecord.Head {
		return nil, errors.Wrapf(storage.ErrOffsetTruncated, "offset %d is below segment head %d", offset, segmentRecord.Head)
	}
	state, err := s.segmentState(segment)
	if err != nil {
		return nil, err
	}
	if offset > state.length {
		return nil, errors.Wrapf(storage.ErrInvalidOffset, "offset %d is past segment end %d", offset, state.length)
	}
	if offset == state.length || maxLength <= 0 {
		return []byte{}, nil
	}
	return readRange(state.log, offset, maxLength)
}

func readRange(log commitlog.CommitLog, offset int64, maxLength int) ([]byte, error) {
	first, err := log.Lookup(uint64(offset))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to locate offset %d", offset)
	}
	cursor := log.Reader()
	defer cursor.Close()
	if _, err := cursor.Seek(int64(first), io.SeekStart); err != nil {
		return nil, err
	}
	decoder := commitlog.NewDecoder(cursor)
	out := make([]byte, 0, maxLength)
	for len(out) < maxLength {
		entry, err := decoder.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		payload := entry.Payload()
		if key := int64(entry.Key()); key < offset {
			payload = payload[offset-key:]
		}
		remaining := maxLength - len(out)
		if len(payload) > remaining {
			payload = payload[:remaining]
		}
		out = append(out, payload...)
	}
	return out, nil
}

func (s *Service) GetSegmentInfo(ctx context.Context, segment storage.Segment) (storage.SegmentInfo, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return storage.SegmentInfo{}, err
	}
	segmentRecord, err := s.segmentHead(segment)
	if err != nil {
		return storage.SegmentInfo{}, err
	}
	state, err := s.segmentState(segment)
	if err != nil {
		return storage.SegmentInfo{}, err
	}
	return storage.SegmentInfo{
		Segment:     segment,
		StartOffset: segmentRecord.Head,
		WriteOffset: state.length,
		Sealed:      segmentRecord.Sealed,
	}, nil
}

// TruncateSegment discards data below offset. Truncating at or below the
// current head is a no-op.
func (s *Service) TruncateSegment(ctx context.Context, segment storage.Segment, offset int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	state, err := s.segmentState(segment)
	if err != nil {
		return err
	}
	if offset > state.length {
		return errors.Wrapf(storage.ErrInvalidOffset, "offset %d is past segment end %d", offset, state.length)
	}
	moved := false
	_, err = s.updateStream(segment.Stream, func(record *streamRecord) error {
		segmentRecord, ok := record.segment(segment.Number)
		if !ok {
			return errors.Wrap(storage.ErrSegmentNotFound, segment.String())
		}
		if offset > segmentRecord.Head {
			segmentRecord.Head = offset
			moved = true
		}
		return nil
	})
	if err != nil || !moved {
		return err
	}
	if offset < state.length {
		first, err := state.log.Lookup(uint64(offset))
		if err == nil {
			err = state.log.DeleteBefore(first)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to release segment %s data", segment)
		}
	}
	s.logger.Debug("segment truncated", zap.String("segment", segment.String()), zap.Int64("head_offset", offset))
	return nil
}

// SegmentStatistics describes the on-disk log backing a segment.
func (s *Service) SegmentStatistics(ctx context.Context, segment storage.Segment) (commitlog.Statistics, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return commitlog.Statistics{}, err
	}
	if _, err := s.segmentHead(segment); err != nil {
		return commitlog.Statistics{}, err
	}
	state, err := s.segmentState(segment)
	if err != nil {
		return commitlog.Statistics{}, err
	}
	return state.log.GetStatistics(), nil
}
