package zran

import (
	"bufio"
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
)

const cursorBufSize = 32 * 1024

// Source adapts an io.ReadSeeker into an io.ReaderAt by serializing every
// Seek+Read pair under one lock. Readers that share a handle must share the
// Source wrapping it; pass the same *Source as Options.Handle to each.
type Source struct {
	mu sync.Mutex
	rs io.ReadSeeker
}

// NewSource wraps rs. The handle's own cursor position is not preserved.
func NewSource(rs io.ReadSeeker) *Source {
	return &Source{rs: rs}
}

// ReadAt implements io.ReaderAt.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "unable to seek source")
	}
	n, err := io.ReadFull(s.rs, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// Handle returns the wrapped io.ReadSeeker.
func (s *Source) Handle() io.ReadSeeker {
	return s.rs
}

// asReaderAt picks the access path for a caller-supplied handle.
func asReaderAt(h interface{}) (io.ReaderAt, error) {
	switch v := h.(type) {
	case io.ReaderAt:
		return v, nil
	case io.ReadSeeker:
		return NewSource(v), nil
	default:
		return nil, ErrNotSeekable
	}
}

// cursor reads compressed bytes sequentially from an explicit position in an
// io.ReaderAt and tracks that position. It implements flate.Reader, so the
// decompressor never reads past what it needs and off always equals the
// number of bytes consumed.
type cursor struct {
	ra  io.ReaderAt
	br  *bufio.Reader
	off int64
}

func newCursor(ra io.ReaderAt) *cursor {
	return &cursor{ra: ra}
}

// reset repositions the cursor at byte off, dropping buffered data.
func (c *cursor) reset(off int64) {
	sr := io.NewSectionReader(c.ra, off, math.MaxInt64-off)
	if c.br == nil {
		c.br = bufio.NewReaderSize(sr, cursorBufSize)
	} else {
		c.br.Reset(sr)
	}
	c.off = off
}

func (c *cursor) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.off += int64(n)
	return n, err
}

func (c *cursor) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.off++
	}
	return b, err
}

func (c *cursor) unreadByte() error {
	if err := c.br.UnreadByte(); err != nil {
		return err
	}
	c.off--
	return nil
}

// offset returns the absolute byte position of the next byte to be read.
func (c *cursor) offset() int64 {
	return c.off
}
