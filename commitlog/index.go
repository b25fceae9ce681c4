package commitlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/tysontate/gommap"
)

// Each index slot stores the entry file position followed by the entry key.
const (
	indexValueSize = 16
)

var encoding = binary.BigEndian

var (
	ErrIndexAlreadyExists = errors.New("index already exists")
	ErrIndexDoesNotExist  = errors.New("index does not exist")
	ErrIndexOutOfRange    = errors.New("index slot out of range")
	ErrMMapFailed         = errors.New("mmap failed")
	ErrFSyncFailed        = errors.New("file sync failed")
	ErrIndexCorrupt       = errors.New("index corrupt")
)

type index struct {
	path  string
	fd    *os.File
	data  gommap.MMap
	slots uint64
}

func indexName(datadir string, id uint64) string {
	return path.Join(datadir, fmt.Sprintf("%d.index", id))
}

func createIndex(datadir string, id uint64, slots uint64) (*index, error) {
	filename := indexName(datadir, id)
	if fileExists(filename) {
		return nil, ErrIndexAlreadyExists
	}
	fd, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return nil, err
	}
	err = fd.Truncate(int64(slots * indexValueSize))
	if err != nil {
		fd.Close()
		os.Remove(filename)
		return nil, err
	}
	idx := &index{fd: fd, path: filename, slots: slots}
	return idx, idx.mmap()
}

func openIndex(datadir string, id uint64, slots uint64) (*index, error) {
	filename := indexName(datadir, id)
	if !fileExists(filename) {
		return nil, ErrIndexDoesNotExist
	}
	fd, err := os.OpenFile(filename, os.O_RDWR, 0640)
	if err != nil {
		return nil, err
	}
	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, err
	}
	if uint64(stat.Size()) != slots*indexValueSize {
		fd.Close()
		return nil, ErrIndexCorrupt
	}
	idx := &index{fd: fd, path: filename, slots: slots}
	return idx, idx.mmap()
}

func (i *index) FilePath() string {
	return i.path
}

func (i *index) mmap() error {
	data, err := gommap.Map(i.fd.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		i.fd.Close()
		return ErrMMapFailed
	}
	i.data = data
	return nil
}

func (i *index) Sync() error {
	if err := i.data.Sync(gommap.MS_SYNC); err != nil {
		return ErrMMapFailed
	}
	if err := i.fd.Sync(); err != nil {
		return ErrFSyncFailed
	}
	return nil
}

func (i *index) Close() error {
	if i.data == nil {
		return nil
	}
	err := i.Sync()
	if err != nil {
		return err
	}
	err = i.data.UnsafeUnmap()
	if err != nil {
		return err
	}
	i.data = nil
	return i.fd.Close()
}

func (i *index) writeSlot(offset, position, key uint64) error {
	if offset >= i.slots {
		return ErrIndexOutOfRange
	}
	start := offset * indexValueSize
	encoding.PutUint64(i.data[start:start+8], position)
	encoding.PutUint64(i.data[start+8:start+16], key)
	return nil
}

func (i *index) readSlot(offset uint64) (position uint64, key uint64, err error) {
	if offset >= i.slots {
		return 0, 0, ErrIndexOutOfRange
	}
	start := offset * indexValueSize
	return encoding.Uint64(i.data[start : start+8]), encoding.Uint64(i.data[start+8 : start+16]), nil
}
