package commitlog

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrSegmentAlreadyExists = errors.New("segment already exists")
	ErrSegmentDoesNotExist  = errors.New("segment does not exist")
	ErrSegmentFull          = errors.New("segment is full")
	ErrCorruptedEntry       = errors.New("entry corrupted")
	ErrOffsetOutOfRange     = errors.New("offset out of range")
)

type segment struct {
	mtx             sync.RWMutex
	baseOffset      uint64
	currentOffset   uint64
	currentPosition uint64
	fd              *os.File
	index           *index
	maxRecordCount  uint64
	path            string
}

func segmentName(datadir string, id uint64) string {
	return path.Join(datadir, fmt.Sprintf("%d.log", id))
}

func createSegment(datadir string, id uint64, maxRecordCount uint64) (*segment, error) {
	filename := segmentName(datadir, id)
	if fileExists(filename) {
		return nil, ErrSegmentAlreadyExists
	}
	idx, err := createIndex(datadir, id, maxRecordCount)
	if err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		idx.Close()
		return nil, err
	}
	return &segment{
		path:           filename,
		baseOffset:     id,
		maxRecordCount: maxRecordCount,
		index:          idx,
		fd:             fd,
	}, nil
}

func openSegment(datadir string, id uint64, maxRecordCount uint64) (*segment, error) {
	filename := segmentName(datadir, id)
	if !fileExists(filename) {
		return nil, ErrSegmentDoesNotExist
	}
	idx, err := openIndex(datadir, id, maxRecordCount)
	if err == ErrIndexDoesNotExist {
		idx, err = createIndex(datadir, id, maxRecordCount)
	}
	if err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(filename, os.O_RDWR, 0640)
	if err != nil {
		idx.Close()
		return nil, err
	}
	s := &segment{
		path:           filename,
		baseOffset:     id,
		maxRecordCount: maxRecordCount,
		index:          idx,
		fd:             fd,
	}
	if err := s.recover(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// recover walks the segment file, rebuilds the index and drops a partially
// written trailing entry.
func (s *segment) recover() error {
	buf := make([]byte, EntryHeaderSize)
	var position uint64
	var offset uint64
	for offset = 0; offset < s.maxRecordCount; offset++ {
		e, err := readEntry(&readerAt{pos: position, r: s.fd}, buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read entry %d", s.baseOffset+offset)
		}
		if !e.IsValid() {
			break
		}
		if err := s.index.writeSlot(offset, position, e.Key()); err != nil {
			return err
		}
		position += uint64(EntryHeaderSize) + e.Size()
	}
	if err := s.fd.Truncate(int64(position)); err != nil {
		return err
	}
	s.currentOffset = offset
	s.currentPosition = position
	return nil
}

func (s *segment) Close() error {
	err := s.index.Close()
	if err != nil {
		return err
	}
	return s.fd.Close()
}

func (s *segment) Delete() error {
	s.Close()
	err := os.Remove(s.index.FilePath())
	if err != nil {
		return err
	}
	return os.Remove(s.path)
}

func (s *segment) BaseOffset() uint64 {
	return s.baseOffset
}

// CurrentOffset returns the number of entries stored in the segment.
func (s *segment) CurrentOffset() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.currentOffset
}

func (s *segment) Size() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.currentPosition
}

func (s *segment) WriteEntry(key uint64, value []byte) (uint64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.currentOffset >= s.maxRecordCount {
		return 0, ErrSegmentFull
	}
	buf, err := encodeEntry(newEntry(key, s.baseOffset+s.currentOffset, value))
	if err != nil {
		return 0, err
	}
	n, err := (&writerAt{pos: s.currentPosition, w: s.fd}).Write(buf)
	if err != nil {
		return 0, err
	}
	err = s.index.writeSlot(s.currentOffset, s.currentPosition, key)
	if err != nil {
		// Index update failed: do not move the write cursor.
		return 0, err
	}
	offset := s.baseOffset + s.currentOffset
	s.currentOffset++
	s.currentPosition += uint64(n)
	return offset, nil
}

// position returns the file position of the entry at the given log offset.
// Asking for the offset following the last entry returns the segment size.
func (s *segment) position(offset uint64) (uint64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if offset < s.baseOffset || offset > s.baseOffset+s.currentOffset {
		return 0, ErrOffsetOutOfRange
	}
	if offset == s.baseOffset+s.currentOffset {
		return s.currentPosition, nil
	}
	position, _, err := s.index.readSlot(offset - s.baseOffset)
	return position, err
}

func (s *segment) ReadEntryAt(buf []byte, offset uint64) (Entry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if offset < s.baseOffset || offset >= s.baseOffset+s.currentOffset {
		return nil, ErrOffsetOutOfRange
	}
	position, _, err := s.index.readSlot(offset - s.baseOffset)
	if err != nil {
		return nil, err
	}
	e, err := readEntry(&readerAt{pos: position, r: s.fd}, buf)
	if err != nil {
		return nil, err
	}
	if !e.IsValid() {
		return nil, ErrCorruptedEntry
	}
	return e, nil
}

func (s *segment) key(offset uint64) uint64 {
	_, key, _ := s.index.readSlot(offset)
	return key
}

// FirstKey returns the key of the first entry, and false if the segment is empty.
func (s *segment) FirstKey() (uint64, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.currentOffset == 0 {
		return 0, false
	}
	return s.key(0), true
}

// LookupKey returns the offset of the last entry whose key is lower or equal
// to the given key.
func (s *segment) LookupKey(key uint64) (uint64, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	count := int(s.currentOffset)
	idx := sort.Search(count, func(i int) bool {
		return s.key(uint64(i)) > key
	})
	if idx == 0 {
		return 0, false
	}
	return s.baseOffset + uint64(idx-1), true
}

// segmentReader streams the raw entries of a segment, starting at a file position.
type segmentReader struct {
	pos     uint64
	segment *segment
}

func (r *segmentReader) Read(p []byte) (int, error) {
	size := r.segment.Size()
	if r.pos >= size {
		return 0, io.EOF
	}
	if remaining := size - r.pos; uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.segment.fd.ReadAt(p, int64(r.pos))
	r.pos += uint64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}
