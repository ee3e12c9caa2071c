package zran

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// sampleText returns size bytes of pseudo-random, compressible text.
func sampleText(seed int64, size int) []byte {
	words := []string{"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipiscing", "elit"}
	rnd := rand.New(rand.NewSource(seed))
	var buf bytes.Buffer
	for buf.Len() < size {
		buf.WriteString(words[rnd.Intn(len(words))])
		switch rnd.Intn(12) {
		case 0:
			buf.WriteByte('\n')
		case 1:
			buf.WriteString(". ")
		default:
			buf.WriteByte(' ')
		}
		if rnd.Intn(40) == 0 {
			// Incompressible runs keep block boundaries at odd bit offsets.
			var n [8]byte
			rnd.Read(n[:])
			buf.Write(n[:])
		}
	}
	return buf.Bytes()[:size]
}

// gzipMember compresses data into a single gzip member, flushing every
// flushEvery bytes to force deflate block boundaries.
func gzipMember(t testing.TB, data []byte, flushEvery int, hdr *gzip.Header) []byte {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	require.NoError(t, err)
	if hdr != nil {
		w.Header = *hdr
	}
	for len(data) > 0 {
		n := flushEvery
		if n <= 0 || n > len(data) {
			n = len(data)
		}
		_, err := w.Write(data[:n])
		require.NoError(t, err)
		if flushEvery > 0 {
			require.NoError(t, w.Flush())
		}
		data = data[n:]
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// uint64Stream is 0..n-1 as little-endian uint64 values.
func uint64Stream(n int) []byte {
	out := make([]byte, 8*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(out[8*i:], uint64(i))
	}
	return out
}

// countingReaderAt counts the compressed bytes read through it.
type countingReaderAt struct {
	r *bytes.Reader
	n int64
}

func newCountingReaderAt(b []byte) *countingReaderAt {
	return &countingReaderAt{r: bytes.NewReader(b)}
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.r.ReadAt(p, off)
	atomic.AddInt64(&c.n, int64(n))
	return n, err
}

func (c *countingReaderAt) count() int64 {
	return atomic.LoadInt64(&c.n)
}

// readSeekerOnly hides io.ReaderAt so the Source adapter is exercised.
type readSeekerOnly struct {
	rs *bytes.Reader
}

func (r *readSeekerOnly) Read(p []byte) (int, error) { return r.rs.Read(p) }

func (r *readSeekerOnly) Seek(off int64, whence int) (int64, error) { return r.rs.Seek(off, whence) }

// closeRecorder is a caller-owned handle that records Close calls.
type closeRecorder struct {
	*bytes.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func openBytes(t testing.TB, compressed []byte, spacing int64) *Reader {
	r, err := Open(Options{Handle: bytes.NewReader(compressed), IndexSpacing: spacing})
	require.NoError(t, err)
	return r
}
