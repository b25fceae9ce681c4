package commitlog

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Cursor streams raw log entries, crossing segment boundaries. Seek positions
// the cursor on an entry offset.
type Cursor interface {
	io.Seeker
	io.Reader
	io.Closer
}

type cursor struct {
	mtx     sync.Mutex
	log     *commitLog
	current *segmentReader
}

func (c *cursor) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.current = nil
	return nil
}

func (c *cursor) Seek(offset int64, whence int) (int64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, ErrOffsetOutOfRange
		}
		return c.seekFromStart(uint64(offset))
	case io.SeekCurrent:
		return 0, errors.New("SeekCurrent unsupported when reading the log")
	default:
		return 0, errors.New("invalid whence")
	}
}

func (c *cursor) seekFromStart(offset uint64) (int64, error) {
	segment, err := c.log.segmentFor(offset)
	if err != nil {
		return 0, err
	}
	position, err := segment.position(offset)
	if err != nil {
		return 0, err
	}
	c.current = &segmentReader{pos: position, segment: segment}
	return int64(offset), nil
}

func (c *cursor) Read(p []byte) (int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.current == nil {
		if _, err := c.seekFromStart(c.log.Earliest()); err != nil {
			return 0, err
		}
	}
	var total int
	for total < len(p) {
		n, err := c.current.Read(p[total:])
		total += n
		if err == io.EOF {
			next := c.log.segmentAfter(c.current.segment)
			if next == nil {
				if total > 0 {
					return total, nil
				}
				return 0, io.EOF
			}
			c.current = &segmentReader{segment: next}
			continue
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
