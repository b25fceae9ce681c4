package commitlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrCorruptedLog = errors.New("corrupted commitlog")
	ErrKeyNotFound  = errors.New("key not found")
)

// CommitLog is an append-only log of keyed entries, split into fixed-size
// segment files. Entry offsets are dense and start at zero.
type CommitLog interface {
	io.Closer
	WriteEntry(key uint64, value []byte) (uint64, error)
	ReadEntry(offset uint64) (Entry, error)
	Lookup(key uint64) (uint64, error)
	Offset() uint64
	Earliest() uint64
	DeleteBefore(offset uint64) error
	Delete() error
	Reader() Cursor
	Datadir() string
	GetStatistics() Statistics
}

type commitLog struct {
	datadir               string
	mtx                   sync.RWMutex
	segments              []*segment
	segmentMaxRecordCount uint64
}

func logFiles(datadir string) []uint64 {
	matches, err := filepath.Glob(fmt.Sprintf("%s/*.log", datadir))
	if err != nil {
		return nil
	}
	out := make([]uint64, 0, len(matches))
	for idx := range matches {
		offsetStr := strings.TrimSuffix(filepath.Base(matches[idx]), ".log")
		offset, err := strconv.ParseUint(offsetStr, 10, 64)
		if err == nil {
			out = append(out, offset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open opens the log stored in datadir, creating it if needed.
func Open(datadir string, segmentMaxRecordCount uint64) (CommitLog, error) {
	if segmentMaxRecordCount == 0 {
		return nil, errors.New("segment record count must be positive")
	}
	files := logFiles(datadir)
	if len(files) > 0 {
		return open(datadir, files, segmentMaxRecordCount)
	}
	err := os.MkdirAll(datadir, 0750)
	if err != nil {
		return nil, err
	}
	return create(datadir, segmentMaxRecordCount)
}

func create(datadir string, segmentMaxRecordCount uint64) (*commitLog, error) {
	l := &commitLog{
		datadir:               datadir,
		segmentMaxRecordCount: segmentMaxRecordCount,
	}
	return l, l.appendSegment(0)
}

func open(datadir string, files []uint64, segmentMaxRecordCount uint64) (*commitLog, error) {
	l := &commitLog{
		datadir:               datadir,
		segmentMaxRecordCount: segmentMaxRecordCount,
	}
	for _, offset := range files {
		segment, err := openSegment(datadir, offset, segmentMaxRecordCount)
		if err != nil {
			l.Close()
			return nil, errors.Wrap(ErrCorruptedLog, err.Error())
		}
		l.segments = append(l.segments, segment)
	}
	return l, nil
}

func (e *commitLog) activeSegment() *segment {
	return e.segments[len(e.segments)-1]
}

// Offset returns the offset the next written entry will get.
func (e *commitLog) Offset() uint64 {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	active := e.activeSegment()
	return active.BaseOffset() + active.CurrentOffset()
}

// Earliest returns the offset of the oldest entry still stored.
func (e *commitLog) Earliest() uint64 {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.segments[0].BaseOffset()
}

func (e *commitLog) Close() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	var firstErr error
	for _, segment := range e.segments {
		if err := segment.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *commitLog) Datadir() string {
	return e.datadir
}

func (e *commitLog) Delete() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	for _, segment := range e.segments {
		if err := segment.Delete(); err != nil {
			return err
		}
	}
	e.segments = nil
	os.Remove(e.datadir)
	return nil
}

func (e *commitLog) appendSegment(offset uint64) error {
	segment, err := createSegment(e.datadir, offset, e.segmentMaxRecordCount)
	if err != nil {
		return errors.Wrap(err, "failed to create new segment")
	}
	e.segments = append(e.segments, segment)
	return nil
}

// lookupOffset returns the index of the segment containing the provided offset.
func (e *commitLog) lookupOffset(offset uint64) int {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.lookupOffsetUnlocked(offset)
}

func (e *commitLog) lookupOffsetUnlocked(offset uint64) int {
	idx := sort.Search(len(e.segments), func(i int) bool {
		return e.segments[i].BaseOffset() > offset
	})
	return idx - 1
}

func (e *commitLog) segmentAfter(s *segment) *segment {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	for _, candidate := range e.segments {
		if candidate.BaseOffset() > s.BaseOffset() {
			return candidate
		}
	}
	return nil
}

func (e *commitLog) segmentFor(offset uint64) (*segment, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	idx := e.lookupOffsetUnlocked(offset)
	if idx < 0 {
		return nil, ErrOffsetOutOfRange
	}
	return e.segments[idx], nil
}

func (e *commitLog) ReadEntry(offset uint64) (Entry, error) {
	segment, err := e.segmentFor(offset)
	if err != nil {
		return nil, err
	}
	return segment.ReadEntryAt(make([]byte, EntryHeaderSize), offset)
}

// Lookup returns the offset of the last entry whose key is lower or equal to key.
func (e *commitLog) Lookup(key uint64) (uint64, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	idx := sort.Search(len(e.segments), func(i int) bool {
		first, ok := e.segments[i].FirstKey()
		return !ok || first > key
	})
	if idx == 0 {
		return 0, ErrKeyNotFound
	}
	offset, ok := e.segments[idx-1].LookupKey(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return offset, nil
}

// DeleteBefore removes every segment whose entries are all older than offset.
// The active segment is never removed.
func (e *commitLog) DeleteBefore(offset uint64) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	kept := e.segments[:0]
	last := len(e.segments) - 1
	for idx, segment := range e.segments {
		if idx < last && e.segments[idx+1].BaseOffset() <= offset {
			if err := segment.Delete(); err != nil {
				return errors.Wrapf(err, "failed to delete segment %d", segment.BaseOffset())
			}
			continue
		}
		kept = append(kept, segment)
	}
	e.segments = kept
	return nil
}

func (e *commitLog) Reader() Cursor {
	return &cursor{
		log: e,
	}
}

func (e *commitLog) WriteEntry(key uint64, value []byte) (uint64, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	active := e.activeSegment()
	if active.CurrentOffset() >= e.segmentMaxRecordCount {
		err := e.appendSegment(active.BaseOffset() + e.segmentMaxRecordCount)
		if err != nil {
			return 0, errors.Wrap(err, "failed to extend log")
		}
		active = e.activeSegment()
	}
	return active.WriteEntry(key, value)
}
