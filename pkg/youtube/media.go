package youtube

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// MediaSource is the byte source of an upload. It may be sequential or
// seekable; seekable sources also implement io.Seeker.
type MediaSource interface {
	io.Reader
	// Length returns the payload size in bytes, or SizeUnknown.
	Length() int64
}

type readerSource struct {
	io.Reader
	size int64
}

func (r *readerSource) Length() int64 { return r.size }

type seekableSource struct {
	io.ReadSeeker
	size int64
}

func (r *seekableSource) Length() int64 { return r.size }

// NewReaderSource wraps r. Pass SizeUnknown when the length is not known.
// If r is an io.Seeker the source can rewind on resume.
func NewReaderSource(r io.Reader, size int64) MediaSource {
	if rs, ok := r.(io.ReadSeeker); ok {
		return &seekableSource{ReadSeeker: rs, size: size}
	}
	return &readerSource{Reader: r, size: size}
}

// NewFileSource returns a seekable source over f with its current size.
func NewFileSource(f *os.File) (MediaSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, &IOError{Op: "stat media file", Err: err}
	}
	if info.IsDir() {
		return nil, &IOError{Op: "open media file", Err: fmt.Errorf("%s is a directory", f.Name())}
	}
	return &seekableSource{ReadSeeker: f, size: info.Size()}, nil
}

// chunkBuffer reads chunks out of a MediaSource. It keeps the most recent
// chunk so a retry, or a partial acknowledgment, can be served without
// rereading a sequential source.
type chunkBuffer struct {
	src    io.Reader
	seeker io.Seeker

	buf    []byte
	bufOff int64 // source offset of buf[0]
	eof    bool
}

func newChunkBuffer(src io.Reader) *chunkBuffer {
	b := &chunkBuffer{src: src}
	if s, ok := src.(io.Seeker); ok {
		b.seeker = s
	}
	return b
}

// pos is the source offset of the next byte the underlying reader yields.
func (b *chunkBuffer) pos() int64 { return b.bufOff + int64(len(b.buf)) }

// read returns up to n bytes starting at offset. A result shorter than n
// means the source is exhausted.
func (b *chunkBuffer) read(offset int64, n int64) ([]byte, error) {
	switch {
	case offset < b.bufOff:
		if err := b.seek(offset); err != nil {
			return nil, err
		}
	case offset <= b.pos():
		b.buf = b.buf[offset-b.bufOff:]
		b.bufOff = offset
	default:
		if err := b.skip(offset); err != nil {
			return nil, err
		}
	}

	if missing := n - int64(len(b.buf)); missing > 0 && !b.eof {
		next := make([]byte, len(b.buf), n)
		copy(next, b.buf)
		got, err := io.ReadFull(b.src, next[len(b.buf):n])
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			b.eof = true
		case err != nil:
			return nil, err
		}
		b.buf = next[:len(b.buf)+got]
	}

	if int64(len(b.buf)) > n {
		return b.buf[:n], nil
	}
	return b.buf, nil
}

func (b *chunkBuffer) seek(offset int64) error {
	if b.seeker == nil {
		return fmt.Errorf("%w: offset %d is before buffered data at %d", ErrSourceRewind, offset, b.bufOff)
	}
	if _, err := b.seeker.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	b.buf = nil
	b.bufOff = offset
	b.eof = false
	return nil
}

// skip moves forward to offset, discarding bytes from sequential sources.
func (b *chunkBuffer) skip(offset int64) error {
	if b.seeker != nil {
		return b.seek(offset)
	}
	start := b.pos()
	b.buf = nil
	skipped, err := io.CopyN(io.Discard, b.src, offset-start)
	b.bufOff = start + skipped
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.eof = true
			return fmt.Errorf("%w: source ended at %d before offset %d", ErrRangeMismatch, b.bufOff, offset)
		}
		return err
	}
	return nil
}
