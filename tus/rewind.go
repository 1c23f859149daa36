package tus

import (
	"io"
	"os"
)

// RewindableReader is a request body that can be replayed after a full
// read, so a checksum pass can run before the bytes are persisted.
type RewindableReader interface {
	io.Reader
	Rewind() error
	Pos() int64
}

// spoolReader tees the source into a temp file on first pass; after
// Rewind every read is served from the spool.
type spoolReader struct {
	src    io.Reader
	spool  *os.File
	replay bool
	pos    int64
}

func newSpoolReader(src io.Reader) (*spoolReader, error) {
	spool, err := os.CreateTemp("", "tuskd-body-*")
	if err != nil {
		return nil, err
	}
	return &spoolReader{src: src, spool: spool}, nil
}

func (r *spoolReader) Read(p []byte) (int, error) {
	if r.replay {
		n, err := r.spool.Read(p)
		r.pos += int64(n)
		return n, err
	}

	n, err := r.src.Read(p)
	if n > 0 {
		if _, werr := r.spool.Write(p[:n]); werr != nil {
			return n, werr
		}
		r.pos += int64(n)
	}
	return n, err
}

func (r *spoolReader) Rewind() error {
	if _, err := r.spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.replay = true
	r.pos = 0
	return nil
}

func (r *spoolReader) Pos() int64 {
	return r.pos
}

func (r *spoolReader) Close() error {
	name := r.spool.Name()
	err := r.spool.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}
