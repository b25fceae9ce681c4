package stream

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

// TransactionalWriter starts transactions on a stream and retrieves
// transactions by id.
type TransactionalWriter struct {
	id      string
	stream  storage.Stream
	service storage.Service
	locator *Locator
	arena   *txnArena
	retry   retryPolicy
	logger  *zap.Logger
}

func newTransactionalWriter(id string, stream storage.Stream, service storage.Service, locator *Locator, arena *txnArena, opts ManagerOptions) *TransactionalWriter {
	return &TransactionalWriter{
		id:      id,
		stream:  stream,
		service: service,
		locator: locator,
		arena:   arena,
		retry:   opts.retryPolicy(),
		logger:  opts.Logger.With(zap.String("writer_id", id), zap.String("stream_name", stream.String())),
	}
}

func (w *TransactionalWriter) ID() string {
	return w.id
}

// BeginTxn opens a transaction bound to the current segment set.
func (w *TransactionalWriter) BeginTxn(ctx context.Context) (*Transaction, error) {
	ctx = StoreLogger(ctx, w.logger)
	var set storage.SegmentSet
	var id storage.TxnID
	err := w.retry.retry(ctx, "begin_txn", isSegmentSealed, func() error {
		var err error
		set, err = w.locator.Segments(ctx)
		if err != nil {
			return err
		}
		if set.Sealed {
			return errors.Wrap(ErrStreamSealed, w.stream.String())
		}
		segments := make([]storage.Segment, len(set.Segments))
		for idx := range set.Segments {
			segments[idx] = set.Segments[idx].Segment
		}
		err = observeCall(ctx, "begin_txn", func() error {
			id, err = w.service.BeginTxn(ctx, w.stream, segments)
			return err
		})
		if isSegmentSealed(err) {
			if _, refreshErr := w.locator.RefreshIfStale(ctx, set.Epoch); refreshErr != nil {
				return refreshErr
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	record := w.arena.register(&txnRecord{id: id, stream: w.stream, state: storage.TxnOpen, segments: set})
	w.logger.Debug("transaction started", zap.String("txn_id", string(id)))
	return &Transaction{id: id, record: record, writer: w}, nil
}

// GetTxn returns a handle on an existing transaction. Handles of the same
// transaction share their state.
func (w *TransactionalWriter) GetTxn(ctx context.Context, id storage.TxnID) (*Transaction, error) {
	record, ok := w.arena.get(id)
	if !ok {
		var state storage.TxnState
		err := observeCall(ctx, "txn_status", func() error {
			var err error
			state, err = w.service.TxnStatus(ctx, id)
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get transaction %s", id)
		}
		set, err := w.locator.Segments(ctx)
		if err != nil && state == storage.TxnOpen {
			return nil, err
		}
		record = w.arena.register(&txnRecord{id: id, stream: w.stream, state: state, segments: set})
	}
	return &Transaction{id: id, record: record, writer: w}, nil
}

// Transaction is a handle on a transaction record. The record outlives its
// arena entry, so handles stay usable once their stream is deleted.
type Transaction struct {
	id     storage.TxnID
	record *txnRecord
	writer *TransactionalWriter
}

func (t *Transaction) ID() storage.TxnID {
	return t.id
}

func (t *Transaction) State() storage.TxnState {
	record := t.record
	record.mtx.Lock()
	defer record.mtx.Unlock()
	return record.state
}

func (t *Transaction) IsOpen() bool {
	return t.State() == storage.TxnOpen
}

func (t *Transaction) failed(record *txnRecord, op string) error {
	return &TxnFailedError{ID: t.id, State: record.state, Op: op}
}

// WriteEvent stages payload in the transaction.
func (t *Transaction) WriteEvent(ctx context.Context, payload []byte, routingKey string) error {
	record := t.record
	record.mtx.Lock()
	defer record.mtx.Unlock()
	if record.state != storage.TxnOpen {
		return t.failed(record, "write")
	}
	framed, err := frameEvent(payload)
	if err != nil {
		return err
	}
	position := routingPosition(routingKey)
	segment, ok := record.segments.SegmentForPosition(position)
	if !ok {
		return errors.Errorf("no segment of transaction %s owns key position %f", t.id, position)
	}
	number := record.next
	record.next++
	ctx = StoreLogger(ctx, t.writer.logger)
	err = t.writer.retry.retry(ctx, "write_txn_event", nil, func() error {
		return observeCall(ctx, "write_txn_event", func() error {
			return t.writer.service.WriteTxnEvent(ctx, t.id, segment, storage.Event{WriterID: t.writer.id, Number: number, Payload: framed})
		})
	})
	return t.settle(record, "write", err)
}

// settle maps terminal state reports of the service onto the record.
func (t *Transaction) settle(record *txnRecord, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrTxnAborted):
		record.state = storage.TxnAborted
		return t.failed(record, op)
	case errors.Is(err, storage.ErrTxnCommitted):
		record.state = storage.TxnCommitted
		return t.failed(record, op)
	default:
		return err
	}
}

// Commit makes every staged event visible. Transient failures leave the
// transaction open so the call can be retried.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.terminate(ctx, "commit", storage.TxnCommitted, t.writer.service.CommitTxn)
}

// Abort discards every staged event.
func (t *Transaction) Abort(ctx context.Context) error {
	return t.terminate(ctx, "abort", storage.TxnAborted, t.writer.service.AbortTxn)
}

func (t *Transaction) terminate(ctx context.Context, op string, target storage.TxnState, call func(context.Context, storage.TxnID) error) error {
	record := t.record
	record.mtx.Lock()
	defer record.mtx.Unlock()
	if record.state != storage.TxnOpen {
		return t.failed(record, op)
	}
	ctx = StoreLogger(ctx, t.writer.logger)
	err := t.writer.retry.retry(ctx, op+"_txn", nil, func() error {
		return observeCall(ctx, op+"_txn", func() error {
			return call(ctx, t.id)
		})
	})
	if err := t.settle(record, op, err); err != nil {
		return err
	}
	record.state = target
	t.writer.logger.Debug("transaction terminated", zap.String("txn_id", string(t.id)), zap.Stringer("txn_state", target))
	return nil
}
