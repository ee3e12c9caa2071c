package serve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dselans/gzseek/zran"
)

func newTestServer(t *testing.T, numLines int) (*Server, []byte) {
	var data bytes.Buffer
	for i := 0; i < numLines; i++ {
		fmt.Fprintf(&data, "%06d the quick brown fox jumps over the lazy dog\n", i)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	for off := 0; off < data.Len(); off += 8192 {
		end := off + 8192
		if end > data.Len() {
			end = data.Len()
		}
		_, err := w.Write(data.Bytes()[off:end])
		require.NoError(t, err)
		require.NoError(t, w.Flush())
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "access.txt.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s, err := New(Options{File: path, IndexSpacing: zran.MinSpacing})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, data.Bytes()
}

func get(t *testing.T, h http.Handler, url string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", url, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestContent(t *testing.T) {
	s, data := newTestServer(t, 10000)

	rec := get(t, s.Handler(), "/content", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprint(len(data)), rec.Header().Get("Content-Length"))
}

func TestContentRange(t *testing.T) {
	s, data := newTestServer(t, 10000)

	rec := get(t, s.Handler(), "/content", http.Header{"Range": {"bytes=200000-200099"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, data[200000:200100], rec.Body.Bytes())
	assert.Equal(t, fmt.Sprintf("bytes 200000-200099/%d", len(data)), rec.Header().Get("Content-Range"))

	rec = get(t, s.Handler(), "/content", http.Header{"Range": {"bytes=-10"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, data[len(data)-10:], rec.Body.Bytes())

	rec = get(t, s.Handler(), "/content", http.Header{"Range": {fmt.Sprintf("bytes=%d-", len(data)+10)}})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestConcurrentRanges(t *testing.T) {
	s, data := newTestServer(t, 20000)

	var wg sync.WaitGroup
	failures := make(chan string, 64)

	for i := 0; i < 16; i++ {
		start := (i * 61379) % (len(data) - 1000)
		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := fmt.Sprintf("bytes=%d-%d", start, start+999)
			rec := get(t, s.Handler(), "/content", http.Header{"Range": {rng}})
			if rec.Code != http.StatusPartialContent || !bytes.Equal(data[start:start+1000], rec.Body.Bytes()) {
				failures <- rng
			}
		}()
	}

	wg.Wait()
	close(failures)

	for rng := range failures {
		t.Errorf("range %s returned wrong data", rng)
	}

	length, ok := s.Index().Length()
	assert.True(t, ok)
	assert.Equal(t, int64(len(data)), length)
}

func TestLines(t *testing.T) {
	s, data := newTestServer(t, 1000)
	lineLen := int64(bytes.IndexByte(data, '\n') + 1)

	rec := get(t, s.Handler(), fmt.Sprintf("/lines?offset=%d&count=3", 10*lineLen), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp linesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Lines, 3)
	assert.Equal(t, 10*lineLen, resp.Lines[0].Offset)
	assert.Equal(t, string(data[10*lineLen:11*lineLen]), resp.Lines[0].Line)
	assert.Equal(t, 13*lineLen, resp.Next)
	assert.False(t, resp.EOF)

	rec = get(t, s.Handler(), fmt.Sprintf("/lines?offset=%d&count=5", 998*lineLen), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = linesResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Lines, 2)
	assert.True(t, resp.EOF)

	for _, q := range []string{"offset=-1", "offset=abc", "count=0", "count=100000"} {
		rec = get(t, s.Handler(), "/lines?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestIndex(t *testing.T) {
	s, data := newTestServer(t, 5000)

	rec := get(t, s.Handler(), "/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp indexResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Final)
	assert.Nil(t, resp.Length)
	assert.Equal(t, int64(zran.MinSpacing), resp.Spacing)

	rec = get(t, s.Handler(), "/index?full=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = indexResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Final)
	require.NotNil(t, resp.Length)
	assert.Equal(t, int64(len(data)), *resp.Length)
	assert.True(t, resp.Points > 1)
	require.Len(t, resp.Members, 1)
	require.NotNil(t, resp.Members[0].Length)

	rec = get(t, s.Handler(), "/index/points", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var points []pointStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	assert.Len(t, points, resp.Points)
	assert.True(t, points[0].Header)

	rec = get(t, s.Handler(), "/status", nil)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMalformedFile(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(bytes.Repeat([]byte("payload\n"), 1000))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	buf.WriteString("garbage")

	path := filepath.Join(t.TempDir(), "bad.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s, err := New(Options{File: path})
	require.NoError(t, err)
	defer s.Close()

	rec := get(t, s.Handler(), "/lines?count=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s.Handler(), "/lines?offset=7990&count=10", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = get(t, s.Handler(), "/index?full=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp indexResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Final)
	assert.NotEmpty(t, resp.Error)
}

func TestStaleIndexRejected(t *testing.T) {
	s, _ := newTestServer(t, 2000)
	idx := s.Index()

	rec := get(t, s.Handler(), "/index?full=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same index, same file: accepted.
	s2, err := New(Options{File: s.opts.File, Index: idx})
	require.NoError(t, err)
	require.NoError(t, s2.Close())

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(s.opts.File, later, later))

	_, err = New(Options{File: s.opts.File, Index: idx})
	require.Error(t, err)
	assert.True(t, errors.Is(err, zran.ErrStaleIndex))
}
