package zran

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialRead(t *testing.T) {
	data := sampleText(1, 600*1024)
	r := openBytes(t, gzipMember(t, data, 8192, nil), MinSpacing)
	defer r.Close()

	got, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	idx := r.Index()
	assert.True(t, idx.Final())
	length, ok := idx.Length()
	assert.True(t, ok)
	assert.Equal(t, int64(len(data)), length)
	assert.True(t, len(idx.Points()) > 10, "sequential reads should populate the index")
}

func TestRandomSeeksMatchSequentialDecode(t *testing.T) {
	data := sampleText(2, 2*1024*1024)
	r := openBytes(t, gzipMember(t, data, 4096, nil), MinSpacing)
	defer r.Close()

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		off := rnd.Int63n(int64(len(data)))
		n := rnd.Intn(5000)

		pos, err := r.Seek(off, io.SeekStart)
		require.NoError(t, err)
		require.Equal(t, off, pos)

		got, err := r.ReadN(n)
		require.NoError(t, err)

		end := off + int64(n)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		require.Equal(t, data[off:end], got, "read %d bytes at %d", n, off)
	}

	// Backwards, from the end, one point at a time.
	for off := int64(len(data)) - 10; off > 0; off -= 100 * 1024 {
		_, err := r.Seek(off, io.SeekStart)
		require.NoError(t, err)
		got, err := r.ReadN(10)
		require.NoError(t, err)
		require.Equal(t, data[off:off+10], got)
	}
}

func TestPointsAreResumable(t *testing.T) {
	data := sampleText(3, 512*1024)
	compressed := gzipMember(t, data, 3000, nil)
	r := openBytes(t, compressed, MinSpacing)
	defer r.Close()

	_, err := r.Size()
	require.NoError(t, err)

	points := r.Index().Points()
	require.True(t, len(points) > 20)

	var unaligned int
	for _, p := range points {
		if p.Bit%8 != 0 {
			unaligned++
		}
		e := newEngine(bytes.NewReader(compressed), MinSpacing, discardObserver{}, r.log)
		require.NoError(t, e.resume(p))

		got := make([]byte, 2000)
		n, err := e.discard(0)
		require.NoError(t, err)
		require.Equal(t, int64(0), n)

		m, err := io.ReadFull(engineReader{e}, got)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		require.NoError(t, err)
		require.Equal(t, data[p.Offset:p.Offset+int64(m)], got[:m], "point at bit %d", p.Bit)
	}
	assert.True(t, unaligned > 0, "expected points inside a byte")
}

func TestUint64Stream(t *testing.T) {
	data := uint64Stream(65536)
	r := openBytes(t, gzipMember(t, data, 0, nil), MinSpacing)
	defer r.Close()

	pos, err := r.Seek(8*42, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(8*42), pos)

	b, err := r.ReadN(8)
	require.NoError(t, err)
	require.Len(t, b, 8)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(b))

	tell, err := r.Tell()
	require.NoError(t, err)
	assert.Equal(t, int64(8*43), tell)

	_, err = r.Seek(-8, io.SeekEnd)
	require.NoError(t, err)
	b, err = r.ReadN(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(65535), binary.LittleEndian.Uint64(b))
}

func TestSeekClamps(t *testing.T) {
	data := sampleText(4, 10000)
	r := openBytes(t, gzipMember(t, data, 0, nil), MinSpacing)
	defer r.Close()

	pos, err := r.Seek(-100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	pos, err = r.Seek(int64(len(data))+100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), pos)

	b, err := r.ReadN(10)
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Empty(t, b)

	n, err := r.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	pos, err = r.Seek(-10, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-10), pos)

	pos, err = r.Seek(-int64(len(data))*2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	_, err = r.Seek(0, 42)
	assert.Error(t, err)
}

func TestTellRoundTrip(t *testing.T) {
	data := sampleText(5, 100*1024)
	r := openBytes(t, gzipMember(t, data, 2048, nil), MinSpacing)
	defer r.Close()

	rnd := rand.New(rand.NewSource(5))
	for i := 0; i < 50; i++ {
		off := rnd.Int63n(int64(len(data)))
		_, err := r.Seek(off, io.SeekStart)
		require.NoError(t, err)
		tell, err := r.Tell()
		require.NoError(t, err)
		require.Equal(t, off, tell)
	}
}

func TestReadIntoPartial(t *testing.T) {
	data := []byte("0123456789")
	r := openBytes(t, gzipMember(t, data, 0, nil), MinSpacing)
	defer r.Close()

	_, err := r.Seek(7, io.SeekStart)
	require.NoError(t, err)

	buf := []byte("xxxxx")
	n, err := r.ReadInto(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("789xx"), buf)

	n, err = r.ReadInto(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadAllFromMiddle(t *testing.T) {
	data := sampleText(6, 300*1024)
	r, err := Open(Options{
		Handle:         bytes.NewReader(gzipMember(t, data, 4096, nil)),
		IndexSpacing:   4096,
		ReadAllBufSize: 1000,
	})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Seek(12345, io.SeekStart)
	require.NoError(t, err)
	got, err := r.ReadN(-1)
	require.NoError(t, err)
	assert.Equal(t, data[12345:], got)

	got, err = r.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteTo(t *testing.T) {
	data := sampleText(7, 200*1024)
	r := openBytes(t, gzipMember(t, data, 0, nil), MinSpacing)
	defer r.Close()

	_, err := r.Seek(100, io.SeekStart)
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := io.Copy(&out, r)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-100), n)
	assert.Equal(t, data[100:], out.Bytes())
}

func TestReadSeekerHandle(t *testing.T) {
	data := sampleText(8, 100*1024)
	compressed := gzipMember(t, data, 4096, nil)

	r, err := Open(Options{Handle: &readSeekerOnly{rs: bytes.NewReader(compressed)}, IndexSpacing: MinSpacing})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Seek(50000, io.SeekStart)
	require.NoError(t, err)
	got, err := r.ReadN(100)
	require.NoError(t, err)
	assert.Equal(t, data[50000:50100], got)

	_, err = NewReader(bytes.NewBufferString("not seekable"))
	assert.True(t, errors.Is(err, ErrNotSeekable))
}

func TestOptionsValidation(t *testing.T) {
	h := bytes.NewReader(nil)

	for _, mode := range []string{"", "r", "rb", "br"} {
		r, err := Open(Options{Handle: h, Mode: mode})
		require.NoError(t, err, "mode %q", mode)
		assert.Equal(t, "rb", r.Mode())
	}

	for _, mode := range []string{"w", "wb", "a", "ab", "x", "r+", "rb+", "rt", "q"} {
		_, err := Open(Options{Handle: h, Mode: mode})
		assert.True(t, errors.Is(err, ErrInvalidMode), "mode %q: %v", mode, err)
	}

	_, err := Open(Options{})
	assert.True(t, errors.Is(err, ErrNoSource))

	_, err = Open(Options{Path: "/nonexistent.gz", Handle: h})
	assert.True(t, errors.Is(err, ErrBothSources))

	_, err = Open(Options{Handle: h, IndexSpacing: 10})
	assert.True(t, errors.Is(err, ErrInvalidSpacing))

	_, err = Open(Options{Handle: h, ReadAllBufSize: -1})
	assert.Error(t, err)

	_, err = NewIndex(MinSpacing - 1)
	assert.True(t, errors.Is(err, ErrInvalidSpacing))

	// Validation happens before the file is touched.
	_, err = Open(Options{Path: "/nonexistent.gz", Mode: "w"})
	assert.True(t, errors.Is(err, ErrInvalidMode))

	_, err = OpenFile("/nonexistent.gz")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestIntrospection(t *testing.T) {
	h := bytes.NewReader(gzipMember(t, []byte("hello"), 0, nil))
	r, err := NewReader(h)
	require.NoError(t, err)

	assert.True(t, r.Readable())
	assert.True(t, r.Seekable())
	assert.False(t, r.Writable())
	assert.Equal(t, h, r.Handle())
	assert.NotNil(t, r.Index())
	assert.Equal(t, int64(DefaultSpacing), r.Index().Spacing())
	assert.Equal(t, "", r.Name())
}

func TestCloseOwnership(t *testing.T) {
	data := sampleText(9, 5000)
	compressed := gzipMember(t, data, 0, nil)

	path := filepath.Join(t.TempDir(), "data.gz")
	require.NoError(t, os.WriteFile(path, compressed, 0o644))

	r, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, r.Name())

	got, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	f, ok := r.Handle().(*os.File)
	require.True(t, ok)
	require.NoError(t, r.Close())
	_, err = f.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, os.ErrClosed), "path-opened file must be closed")
	require.NoError(t, r.Close())

	h := &closeRecorder{Reader: bytes.NewReader(compressed)}
	r, err = NewReader(h)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.False(t, h.closed, "caller-owned handle must stay open")
}

func TestClosedReader(t *testing.T) {
	r := openBytes(t, gzipMember(t, []byte("abc\n"), 0, nil), MinSpacing)
	require.NoError(t, r.Close())
	assert.True(t, r.Closed())

	_, err := r.Read(make([]byte, 1))
	assert.Equal(t, ErrClosed, err)
	_, err = r.ReadN(1)
	assert.Equal(t, ErrClosed, err)
	_, err = r.ReadAll()
	assert.Equal(t, ErrClosed, err)
	_, err = r.ReadInto(make([]byte, 1))
	assert.Equal(t, ErrClosed, err)
	_, err = r.ReadLine(-1)
	assert.Equal(t, ErrClosed, err)
	_, err = r.ReadLines(0)
	assert.Equal(t, ErrClosed, err)
	_, err = r.Seek(0, io.SeekStart)
	assert.Equal(t, ErrClosed, err)
	_, err = r.Tell()
	assert.Equal(t, ErrClosed, err)
	_, err = r.Size()
	assert.Equal(t, ErrClosed, err)
	_, err = r.WriteTo(io.Discard)
	assert.Equal(t, ErrClosed, err)

	it := r.Lines()
	assert.False(t, it.Next())
	assert.Equal(t, ErrClosed, it.Err())

	// Stream kind is still reported after close.
	assert.True(t, r.Readable())
	assert.True(t, r.Seekable())
	assert.False(t, r.Writable())
	assert.Equal(t, ReadMode, r.Mode())
}

func TestReadNLargeRequest(t *testing.T) {
	data := []byte("hello")
	compressed := gzipMember(t, data, 0, nil)

	// Length unknown on the first read.
	r := openBytes(t, compressed, MinSpacing)
	defer r.Close()

	got, err := r.ReadN(math.MaxInt)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got, err = r.ReadN(math.MaxInt)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)

	// Length known, from the middle.
	_, err = r.Seek(2, io.SeekStart)
	require.NoError(t, err)
	got, err = r.ReadN(math.MaxInt)
	require.NoError(t, err)
	assert.Equal(t, data[2:], got)

	// Requests spanning several chunks stop at exactly n bytes.
	big := sampleText(12, 300*1024)
	r2, err := Open(Options{Handle: bytes.NewReader(gzipMember(t, big, 0, nil)), ReadAllBufSize: 4096})
	require.NoError(t, err)
	defer r2.Close()

	got, err = r2.ReadN(100*1024 + 7)
	require.NoError(t, err)
	assert.Equal(t, big[:100*1024+7], got)

	got, err = r2.ReadN(1 << 34)
	require.NoError(t, err)
	assert.Equal(t, big[100*1024+7:], got)
}

func TestEmptySource(t *testing.T) {
	r := openBytes(t, nil, MinSpacing)
	defer r.Close()

	size, err := r.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	got, err := r.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestSourceErrorsPropagate checks that a failing handle surfaces its own error
// and does not poison the index.
func TestSourceErrorsPropagate(t *testing.T) {
	data := sampleText(10, 200*1024)
	compressed := gzipMember(t, data, 4096, nil)
	boom := errors.New("boom")
	fr := &flakyReaderAt{r: bytes.NewReader(compressed), failAfter: int64(len(compressed) / 2), err: boom}

	r, err := Open(Options{Handle: fr, IndexSpacing: MinSpacing})
	require.NoError(t, err)

	_, err = r.ReadAll()
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, IsMalformed(err))
	assert.False(t, r.Index().Final())

	fr.failAfter = -1
	pos, err := r.Tell()
	require.NoError(t, err)
	rest, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, data[pos:], rest)
}

type flakyReaderAt struct {
	r         *bytes.Reader
	failAfter int64
	err       error
}

func (f *flakyReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if f.failAfter >= 0 && off+int64(len(p)) > f.failAfter {
		return 0, f.err
	}
	return f.r.ReadAt(p, off)
}

type discardObserver struct{}

func (discardObserver) wantPoint(int64) bool { return false }
func (discardObserver) addPoint(Point) {}
func (discardObserver) beginMember(int, int64, int64, Header) {}
func (discardObserver) endMember(int, int64) {}
func (discardObserver) reached(int64) {}
func (discardObserver) finish(int64) {}
func (discardObserver) fail(*StreamError) {}

type engineReader struct {
	e *engine
}

func (r engineReader) Read(p []byte) (int, error) { return r.e.produce(p) }
