// Package local implements the storage service and control plane in-process.
// Stream metadata lives in badger, segment data in one commitlog per segment.
package local

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/commitlog"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

const defaultSegmentMaxRecordCount = 1024

type Options struct {
	Datadir               string
	SegmentMaxRecordCount uint64
	Logger                *zap.Logger
}

type Option func(*Options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithSegmentMaxRecordCount(count uint64) Option {
	return func(o *Options) { o.SegmentMaxRecordCount = count }
}

type dedupState struct {
	Number int64
	Offset int64
}

type segmentState struct {
	log     commitlog.CommitLog
	length  int64
	writers map[string]dedupState
}

type Service struct {
	mtx      sync.RWMutex
	datadir  string
	db       *badger.DB
	logger   *zap.Logger
	closed   bool
	logCount uint64
	segments map[storage.Segment]*segmentState
	txns     map[storage.TxnID]*txnRecord
	changed  map[storage.Stream]chan struct{}
	entropy  io.Reader
}

var (
	_ storage.Service          = &Service{}
	_ storage.Controller       = &Service{}
	_ storage.TopologyNotifier = &Service{}
)

// Open opens or creates a service rooted at datadir.
func Open(datadir string, opts ...Option) (*Service, error) {
	o := Options{Datadir: datadir, SegmentMaxRecordCount: defaultSegmentMaxRecordCount, Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(path.Join(datadir, "segments"), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	badgerOpts := badger.DefaultOptions(path.Join(datadir, "metadata")).
		WithLogger(&badgerLogger{o.Logger.Sugar()}).
		WithSyncWrites(true)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metadata store")
	}
	o.Logger.Debug("storage service opened", zap.String("data_dir", datadir))
	return &Service{
		datadir:  datadir,
		db:       db,
		logger:   o.Logger,
		logCount: o.SegmentMaxRecordCount,
		segments: make(map[storage.Segment]*segmentState),
		txns:     make(map[storage.TxnID]*txnRecord),
		changed:  make(map[storage.Stream]chan struct{}),
		entropy:  rand.Reader,
	}, nil
}

func (s *Service) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for segment, state := range s.segments {
		if err := state.log.Close(); err != nil {
			s.logger.Warn("failed to close segment log", zap.String("segment", segment.String()), zap.Error(err))
		}
	}
	for _, ch := range s.changed {
		close(ch)
	}
	s.changed = nil
	return s.db.Close()
}

func (s *Service) checkAvailable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return storage.ErrUnavailable
	}
	return nil
}

// SegmentsChanged returns a channel closed on the next topology change of
// the stream.
func (s *Service) SegmentsChanged(stream storage.Stream) <-chan struct{} {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := s.changed[stream]
	if !ok {
		ch = make(chan struct{})
		s.changed[stream] = ch
	}
	return ch
}

func (s *Service) signalSegmentsChanged(stream storage.Stream) {
	if ch, ok := s.changed[stream]; ok {
		close(ch)
		delete(s.changed, stream)
	}
}

func (s *Service) newTxnID() storage.TxnID {
	return storage.TxnID(ulid.MustNew(ulid.Now(), s.entropy).String())
}

func (s *Service) segmentDir(segment storage.Segment) string {
	return path.Join(s.datadir, "segments", segment.Stream.Scope, segment.Stream.Name, strconv.FormatInt(segment.Number, 10))
}

func (s *Service) streamDir(stream storage.Stream) string {
	return path.Join(s.datadir, "segments", stream.Scope, stream.Name)
}

// segmentState returns the opened log of a segment. Callers must hold the write lock.
func (s *Service) segmentState(segment storage.Segment) (*segmentState, error) {
	if state, ok := s.segments[segment]; ok {
		return state, nil
	}
	log, err := commitlog.Open(s.segmentDir(segment), s.logCount)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open segment %s", segment)
	}
	length, err := logLength(log)
	if err != nil {
		log.Close()
		return nil, err
	}
	state := &segmentState{log: log, length: length, writers: make(map[string]dedupState)}
	s.segments[segment] = state
	return state, nil
}

func logLength(log commitlog.CommitLog) (int64, error) {
	offset := log.Offset()
	if offset == 0 {
		return 0, nil
	}
	last, err := log.ReadEntry(offset - 1)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read last segment entry")
	}
	return int64(last.Key() + last.Size()), nil
}

func (s *Service) dropSegmentState(segment storage.Segment) error {
	state, ok := s.segments[segment]
	if ok {
		delete(s.segments, segment)
		return state.log.Delete()
	}
	return nil
}
