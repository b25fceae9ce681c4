package commitlog

import (
	"io"
	"os"
)

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

type readerAt struct {
	pos uint64
	r   io.ReaderAt
}

func (r *readerAt) Read(buf []byte) (int, error) {
	n, err := r.r.ReadAt(buf, int64(r.pos))
	r.pos += uint64(n)
	return n, err
}

type writerAt struct {
	pos uint64
	w   io.WriterAt
}

func (w *writerAt) Write(buf []byte) (int, error) {
	n, err := w.w.WriteAt(buf, int64(w.pos))
	w.pos += uint64(n)
	return n, err
}
