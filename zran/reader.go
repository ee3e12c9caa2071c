package zran

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Reader is a read-only, seekable view of the uncompressed contents of a
// gzip stream. Seeks are served from an access point index that is built
// lazily as the stream is read. A Reader is not safe for concurrent use;
// open one Reader per goroutine over a shared Index instead.
type Reader struct {
	ra     io.ReaderAt
	handle any
	file   *os.File
	name   string

	idx *Index
	eng *engine

	// buf holds decoded bytes starting at pos. While buf is non-empty the
	// engine sits exactly at pos+len(buf).
	pos    int64
	buf    []byte
	bufMem []byte

	readAllBufSize int
	closed         bool

	log *logrus.Entry
}

// Open validates opts and returns a Reader positioned at offset 0. Nothing
// beyond opening the named file happens until the first read or seek.
func Open(opts Options) (*Reader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r := &Reader{
		bufMem:         make([]byte, lookaheadSize),
		readAllBufSize: opts.ReadAllBufSize,
		log:            opts.Logger,
	}

	if opts.Path != "" {
		f, err := os.Open(opts.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to open '%s'", opts.Path)
		}
		if err := adviseSequential(f); err != nil {
			r.log.WithField("method", "Open").Debugf("unable to set access hint on '%s': %s", opts.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "unable to stat '%s'", opts.Path)
		}
		if opts.Index == nil {
			opts.Index = newIndex(opts.IndexSpacing)
			opts.Index.SetLogger(r.log)
		}
		if err := opts.Index.BindSource(info.Size(), info.ModTime()); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "unable to use index for '%s'", opts.Path)
		}
		r.file = f
		r.ra = f
		r.handle = f
		r.name = opts.Path
	} else {
		ra, err := asReaderAt(opts.Handle)
		if err != nil {
			return nil, err
		}
		r.ra = ra
		r.handle = opts.Handle
		if n, ok := opts.Handle.(interface{ Name() string }); ok {
			r.name = n.Name()
		}
	}

	r.idx = opts.Index
	if r.idx == nil {
		r.idx = newIndex(opts.IndexSpacing)
		r.idx.SetLogger(r.log)
	}
	r.eng = newEngine(r.ra, r.idx.Spacing(), lockedObserver{r.idx}, r.log)

	return r, nil
}

// OpenFile opens the gzip file at path with default options.
func OpenFile(path string) (*Reader, error) {
	return Open(Options{Path: path})
}

// NewReader reads from a caller-owned handle with default options.
func NewReader(handle any) (*Reader, error) {
	return Open(Options{Handle: handle})
}

// position brings the engine to r.pos. It must only be called with an empty
// look-ahead buffer.
func (r *Reader) position() error {
	if r.eng.resumed() && r.eng.pos == r.pos {
		return nil
	}
	if length, ok := r.idx.Length(); ok && r.pos >= length {
		return io.EOF
	}

	p, err := r.idx.Lookup(r.ra, r.pos)
	if err != nil {
		return err
	}

	// Decoding forward from the current position is never worse than
	// resuming at a point behind it.
	if !(r.eng.resumed() && p.Offset <= r.eng.pos && r.eng.pos <= r.pos) {
		if err := r.eng.resume(p); err != nil {
			return r.engineErr(err)
		}
	}

	if _, err := r.eng.discard(r.pos - r.eng.pos); err != nil {
		return r.engineErr(err)
	}
	return nil
}

// engineErr drops the engine after a source failure so that a retry resumes
// cleanly. Malformed data stays sticky in the engine and the index.
func (r *Reader) engineErr(err error) error {
	if err != nil && err != io.EOF && !IsMalformed(err) {
		r.eng.invalidate()
	}
	return err
}

// fill makes sure the look-ahead buffer is non-empty.
func (r *Reader) fill() error {
	if len(r.buf) > 0 {
		return nil
	}
	if err := r.position(); err != nil {
		return err
	}
	n, err := r.eng.produce(r.bufMem)
	r.buf = r.bufMem[:n]
	if n > 0 {
		return nil
	}
	return r.engineErr(err)
}

// consume advances past n buffered bytes.
func (r *Reader) consume(n int) {
	r.buf = r.buf[n:]
	r.pos += int64(n)
}

// Read implements io.Reader. It returns io.EOF at the end of the stream.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Large reads bypass the look-ahead buffer.
	if len(r.buf) == 0 && len(p) >= len(r.bufMem) {
		if err := r.position(); err != nil {
			return 0, err
		}
		n, err := r.eng.produce(p)
		r.pos += int64(n)
		if n > 0 {
			return n, nil
		}
		return 0, r.engineErr(err)
	}

	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.buf)
	r.consume(n)
	return n, nil
}

// ReadInto fills p as far as the stream allows and returns the number of
// bytes written. At the end of the stream it returns 0 and a nil error.
// Bytes of p beyond the returned count are left untouched.
func (r *Reader) ReadInto(p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := r.Read(p[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadN reads up to n bytes; n < 0 reads to the end. An empty, non-nil
// slice and a nil error mean the end of the stream.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if n < 0 {
		return r.ReadAll()
	}
	if r.closed {
		return nil, ErrClosed
	}

	// Allocate no more than what is left of a stream of known length, and
	// otherwise grow one chunk at a time.
	size := r.readAllBufSize
	if length, ok := r.idx.Length(); ok {
		size = n
		if rem := length - r.pos; rem < int64(size) {
			size = int(max(rem, 0))
		}
	}
	if size > n {
		size = n
	}

	out := make([]byte, 0, size)
	for len(out) < n {
		if len(out) == cap(out) {
			out = append(out, make([]byte, min(n-len(out), r.readAllBufSize))...)[:len(out)]
		}
		m, err := r.Read(out[len(out):min(cap(out), n)])
		out = out[:len(out)+m]
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// ReadAll reads from the current position to the end of the stream in
// chunks of Options.ReadAllBufSize.
func (r *Reader) ReadAll() ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	out := []byte{}
	chunk := make([]byte, r.readAllBufSize)
	for {
		n, err := r.Read(chunk)
		out = append(out, chunk[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// WriteTo implements io.WriterTo, copying from the current position to the
// end of the stream.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}
	var total int64
	chunk := make([]byte, r.readAllBufSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			m, werr := w.Write(chunk[:n])
			total += int64(m)
			if werr != nil {
				return total, errors.Wrap(werr, "unable to write decoded data")
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Seek implements io.Seeker. The resulting offset is clamped to
// [0, length]; seeking past a region not yet indexed decodes up to it.
// SeekEnd needs the full length and therefore indexes the whole stream.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		size, err := r.Size()
		if err != nil {
			return r.pos, err
		}
		abs = size + offset
	default:
		return r.pos, errors.Errorf("zran: invalid whence %d", whence)
	}

	if abs < 0 {
		abs = 0
	}
	if abs > r.idx.Covered() {
		if err := r.idx.ExtendTo(r.ra, abs); err != nil {
			return r.pos, err
		}
		if length, ok := r.idx.Length(); ok && abs > length {
			abs = length
		}
	}

	r.setPos(abs)
	return abs, nil
}

// setPos moves the logical position, keeping whatever part of the
// look-ahead buffer is still ahead of it.
func (r *Reader) setPos(abs int64) {
	if abs >= r.pos && abs <= r.pos+int64(len(r.buf)) {
		r.consume(int(abs - r.pos))
		return
	}
	r.buf = nil
	r.pos = abs
}

// Tell returns the current logical offset.
func (r *Reader) Tell() (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}
	return r.pos, nil
}

// Size returns the total uncompressed length, indexing the whole stream if
// that has not happened yet.
func (r *Reader) Size() (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if err := r.idx.ExtendAll(r.ra); err != nil {
		return 0, errors.Wrap(err, "unable to determine stream length")
	}
	length, _ := r.idx.Length()
	return length, nil
}

// Close releases the Reader. Only a file opened from Options.Path is
// closed; caller-supplied handles are left open. Close is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.buf = nil
	r.bufMem = nil

	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return errors.Wrapf(err, "unable to close '%s'", r.name)
		}
	}
	return nil
}

// Closed reports whether Close has been called.
func (r *Reader) Closed() bool {
	return r.closed
}

// Readable always reports true. Like Seekable, Writable and Mode it
// describes the kind of stream and keeps answering after Close.
func (r *Reader) Readable() bool { return true }

// Seekable always reports true, also after Close.
func (r *Reader) Seekable() bool { return true }

// Writable always reports false, also after Close.
func (r *Reader) Writable() bool { return false }

// Mode always reports ReadMode, also after Close.
func (r *Reader) Mode() string { return ReadMode }

// Handle returns the underlying compressed data handle: the *os.File for
// path-opened readers, otherwise whatever was passed as Options.Handle.
func (r *Reader) Handle() any { return r.handle }

// Index returns the access point index backing this Reader.
func (r *Reader) Index() *Index { return r.idx }

// Name returns the file name, if known.
func (r *Reader) Name() string { return r.name }
