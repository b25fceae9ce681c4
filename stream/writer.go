package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/async"
	"github.com/vx-labs/nestclient/stats"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

// WriteFuture is resolved once the storage service acknowledged an event.
type WriteFuture struct {
	done chan struct{}
	err  error
}

func newWriteFuture() *WriteFuture {
	return &WriteFuture{done: make(chan struct{})}
}

func (f *WriteFuture) resolve(err error) {
	f.err = err
	close(f.done)
}

func (f *WriteFuture) Done() <-chan struct{} {
	return f.done
}

// Err returns the write outcome. It must only be called after Done is closed.
func (f *WriteFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the write completes or ctx is done.
func (f *WriteFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type writeCommand struct {
	Ctx      context.Context
	Payload  []byte
	Position float64
	Flush    bool
	Future   *WriteFuture
}

// EventWriter appends events to a stream. Events are applied one at a time,
// in submission order.
type EventWriter struct {
	id       string
	stream   storage.Stream
	service  storage.Service
	locator  *Locator
	retry    retryPolicy
	logger   *zap.Logger
	mtx      sync.Mutex
	closed   bool
	commands chan writeCommand
	wg       sync.WaitGroup
	next     int64
	release  func()
}

func newEventWriter(stream storage.Stream, service storage.Service, locator *Locator, opts ManagerOptions) *EventWriter {
	id := uuid.New().String()
	w := &EventWriter{
		id:       id,
		stream:   stream,
		service:  service,
		locator:  locator,
		retry:    opts.retryPolicy(),
		logger:   opts.Logger.With(zap.String("writer_id", id), zap.String("stream_name", stream.String())),
		commands: make(chan writeCommand, opts.WriterQueueSize),
	}
	ctx := StoreLogger(context.Background(), w.logger)
	async.Run(ctx, &w.wg, func(ctx context.Context) {
		defer L(ctx).Debug("event writer stopped")
		for command := range w.commands {
			w.process(command)
		}
	})
	return w
}

func (w *EventWriter) ID() string {
	return w.id
}

func (w *EventWriter) enqueue(command writeCommand) *WriteFuture {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.closed {
		command.Future.resolve(ErrWriterClosed)
		return command.Future
	}
	if !command.Flush {
		stats.GaugeVec("pendingWrites").WithLabelValues(w.stream.String()).Inc()
	}
	select {
	case w.commands <- command:
	case <-command.Ctx.Done():
		if !command.Flush {
			stats.GaugeVec("pendingWrites").WithLabelValues(w.stream.String()).Dec()
		}
		command.Future.resolve(command.Ctx.Err())
	}
	return command.Future
}

// WriteEvent schedules payload for writing to the segment owning routingKey.
// An empty routing key picks a random segment.
func (w *EventWriter) WriteEvent(ctx context.Context, payload []byte, routingKey string) *WriteFuture {
	future := newWriteFuture()
	framed, err := frameEvent(payload)
	if err != nil {
		future.resolve(err)
		return future
	}
	return w.enqueue(writeCommand{
		Ctx:      ctx,
		Payload:  framed,
		Position: routingPosition(routingKey),
		Future:   future,
	})
}

// Flush blocks until every event written before the call is acknowledged.
func (w *EventWriter) Flush(ctx context.Context) error {
	return w.enqueue(writeCommand{Ctx: ctx, Flush: true, Future: newWriteFuture()}).Wait(ctx)
}

// Close waits for pending events and stops the writer.
func (w *EventWriter) Close() error {
	w.mtx.Lock()
	if w.closed {
		w.mtx.Unlock()
		return nil
	}
	w.closed = true
	close(w.commands)
	w.mtx.Unlock()
	w.wg.Wait()
	if w.release != nil {
		w.release()
	}
	return nil
}

func (w *EventWriter) process(command writeCommand) {
	if command.Flush {
		command.Future.resolve(nil)
		return
	}
	number := w.next
	w.next++
	err := w.append(command.Ctx, command.Position, number, command.Payload)
	stats.GaugeVec("pendingWrites").WithLabelValues(w.stream.String()).Dec()
	stats.CounterVec("eventsWritten").WithLabelValues(w.stream.String(), stats.Result(err)).Inc()
	if err != nil {
		w.logger.Warn("failed to write event", zap.Int64("event_number", number), zap.Error(err))
	}
	command.Future.resolve(err)
}

func (w *EventWriter) append(ctx context.Context, position float64, number int64, payload []byte) error {
	ctx = StoreLogger(ctx, w.logger)
	return w.retry.retry(ctx, "append", isSegmentSealed, func() error {
		segment, epoch, err := w.locator.SegmentForPosition(ctx, position)
		if err != nil {
			return err
		}
		err = observeCall(ctx, "append", func() error {
			_, err := w.service.Append(ctx, segment, storage.Event{WriterID: w.id, Number: number, Payload: payload})
			return err
		})
		if isSegmentSealed(err) {
			w.logger.Debug("segment sealed, refreshing routing", zap.String("segment", segment.String()))
			if _, refreshErr := w.locator.RefreshIfStale(ctx, epoch); refreshErr != nil {
				return errors.Wrap(refreshErr, "failed to refresh segments")
			}
		}
		return err
	})
}
