package local

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

type stagedEvent struct {
	segment storage.Segment
	event   storage.Event
}

type txnRecord struct {
	id       storage.TxnID
	stream   storage.Stream
	segments []storage.Segment
	state    storage.TxnState
	staged   []stagedEvent
	numbers  map[string]int64
}

func (s *Service) txn(id storage.TxnID) (*txnRecord, error) {
	txn, ok := s.txns[id]
	if !ok {
		return nil, errors.Wrap(storage.ErrTxnNotFound, string(id))
	}
	return txn, nil
}

func (s *Service) BeginTxn(ctx context.Context, stream storage.Stream, segments []storage.Segment) (storage.TxnID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return "", err
	}
	for _, segment := range segments {
		if _, _, err := s.writableSegment(segment); err != nil {
			return "", err
		}
	}
	if len(segments) == 0 {
		record, err := s.viewStream(stream)
		if err != nil {
			return "", err
		}
		if record.Sealed {
			return "", errors.Wrap(storage.ErrStreamSealed, stream.String())
		}
	}
	id := s.newTxnID()
	s.txns[id] = &txnRecord{
		id:       id,
		stream:   stream,
		segments: append([]storage.Segment{}, segments...),
		state:    storage.TxnOpen,
		numbers:  make(map[string]int64),
	}
	s.logger.Debug("transaction started", zap.String("txn_id", string(id)), zap.String("stream_name", stream.String()))
	return id, nil
}

func terminalError(state storage.TxnState) error {
	if state == storage.TxnCommitted {
		return storage.ErrTxnCommitted
	}
	return storage.ErrTxnAborted
}

func (s *Service) WriteTxnEvent(ctx context.Context, id storage.TxnID, segment storage.Segment, event storage.Event) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	txn, err := s.txn(id)
	if err != nil {
		return err
	}
	record, err := s.viewStream(txn.stream)
	if err != nil {
		return err
	}
	if record.Sealed {
		return errors.Wrap(storage.ErrStreamSealed, txn.stream.String())
	}
	if txn.state != storage.TxnOpen {
		return errors.Wrap(terminalError(txn.state), string(id))
	}
	if _, ok := record.segment(segment.Number); !ok || segment.Stream != txn.stream {
		return errors.Wrap(storage.ErrSegmentNotFound, segment.String())
	}
	if event.WriterID != "" {
		if last, ok := txn.numbers[event.WriterID]; ok && event.Number <= last {
			return nil
		}
		txn.numbers[event.WriterID] = event.Number
	}
	txn.staged = append(txn.staged, stagedEvent{segment: segment, event: event})
	return nil
}

// CommitTxn appends every staged event. Events staged on a segment sealed
// since then go to the open segment owning the sealed segment low key.
func (s *Service) CommitTxn(ctx context.Context, id storage.TxnID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	txn, err := s.txn(id)
	if err != nil {
		return err
	}
	switch txn.state {
	case storage.TxnCommitted:
		return nil
	case storage.TxnAborted:
		return errors.Wrap(storage.ErrTxnAborted, string(id))
	}
	record, err := s.viewStream(txn.stream)
	if err != nil {
		return err
	}
	if record.Sealed {
		return errors.Wrap(storage.ErrStreamSealed, txn.stream.String())
	}
	targets := make([]storage.Segment, len(txn.staged))
	for idx, staged := range txn.staged {
		target := staged.segment
		segmentRecord, ok := record.segment(target.Number)
		if !ok {
			return errors.Wrap(storage.ErrSegmentNotFound, target.String())
		}
		if segmentRecord.Sealed {
			successor, ok := record.successor(segmentRecord.Low)
			if !ok {
				return errors.Wrapf(storage.ErrSegmentSealed, "no successor for segment %s", target)
			}
			target.Number = successor.Number
		}
		targets[idx] = target
	}
	for idx, staged := range txn.staged {
		if _, err := s.appendLocked(targets[idx], storage.Event{Payload: staged.event.Payload}); err != nil {
			return err
		}
	}
	txn.state = storage.TxnCommitted
	s.logger.Debug("transaction committed", zap.String("txn_id", string(id)), zap.Int("event_count", len(txn.staged)))
	txn.staged = nil
	return nil
}

func (s *Service) AbortTxn(ctx context.Context, id storage.TxnID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	txn, err := s.txn(id)
	if err != nil {
		return err
	}
	switch txn.state {
	case storage.TxnAborted:
		return nil
	case storage.TxnCommitted:
		return errors.Wrap(storage.ErrTxnCommitted, string(id))
	}
	txn.state = storage.TxnAborted
	txn.staged = nil
	s.logger.Debug("transaction aborted", zap.String("txn_id", string(id)))
	return nil
}

func (s *Service) TxnStatus(ctx context.Context, id storage.TxnID) (storage.TxnState, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if err := s.checkAvailable(ctx); err != nil {
		return storage.TxnOpen, err
	}
	txn, err := s.txn(id)
	if err != nil {
		return storage.TxnOpen, err
	}
	return txn.state, nil
}
