package zran

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestIndexIsLazy(t *testing.T) {
	data := sampleText(40, 500*1024)
	compressed := newCountingReaderAt(gzipMember(t, data, 4096, nil))

	r, err := Open(Options{Handle: compressed, IndexSpacing: MinSpacing})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(0), compressed.count(), "Open must not read")
	assert.Equal(t, int64(0), r.Index().Covered())

	_, err = r.Seek(100*1024, io.SeekStart)
	require.NoError(t, err)
	assert.True(t, r.Index().Covered() >= 100*1024)
	assert.False(t, r.Index().Final())
	assert.True(t, compressed.count() < compressed.r.Size())

	size, err := r.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.True(t, r.Index().Final())
}

func TestIndexSpacing(t *testing.T) {
	data := sampleText(41, 1024*1024)
	idx, err := NewIndex(16 * 1024)
	require.NoError(t, err)

	src := bytes.NewReader(gzipMember(t, data, 2000, nil))
	require.NoError(t, idx.ExtendAll(src))

	points := idx.Points()
	require.True(t, len(points) > 10)
	for i := 1; i < len(points); i++ {
		prev, p := points[i-1], points[i]
		require.True(t, p.Bit > prev.Bit, "point %d", i)
		require.True(t, p.Offset-prev.Offset >= 16*1024, "point %d", i)
		require.False(t, p.Header)
		require.Equal(t, p.Offset, p.MemberOffset)

		win := data[:p.Offset]
		if len(win) > 32*1024 {
			win = win[len(win)-32*1024:]
		}
		require.Equal(t, win, p.Window, "point %d", i)
	}

	// Lookup returns the greatest point at or below the offset.
	for _, off := range []int64{0, 1, 16 * 1024, 500 * 1024, int64(len(data))} {
		p, err := idx.Lookup(src, off)
		require.NoError(t, err)
		assert.True(t, p.Offset <= off)
		for _, q := range points {
			if q.Offset <= off {
				assert.True(t, q.Offset <= p.Offset)
			}
		}
	}
}

func TestIndexExtendsIncrementally(t *testing.T) {
	data := sampleText(42, 600*1024)
	src := newCountingReaderAt(gzipMember(t, data, 4096, nil))
	idx, err := NewIndex(MinSpacing)
	require.NoError(t, err)

	require.NoError(t, idx.ExtendTo(src, 200*1024))
	first := src.count()
	n := len(idx.Points())
	require.True(t, idx.Covered() >= 200*1024)

	// Nothing to do below what is covered.
	require.NoError(t, idx.ExtendTo(src, 100*1024))
	assert.Equal(t, first, src.count())
	assert.Len(t, idx.Points(), n)

	require.NoError(t, idx.ExtendAll(src))
	assert.True(t, len(idx.Points()) > n)
	length, ok := idx.Length()
	assert.True(t, ok)
	assert.Equal(t, int64(len(data)), length)

	// The second extension resumed from the last point instead of the start.
	assert.True(t, src.count() < first+int64(src.r.Size()))
}

func TestSharedIndexConcurrentReaders(t *testing.T) {
	data := sampleText(43, 1500*1024)
	compressed := gzipMember(t, data, 4096, nil)

	idx, err := NewIndex(8 * 1024)
	require.NoError(t, err)
	src := NewSource(bytes.NewReader(compressed))

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		seed := int64(w)
		g.Go(func() error {
			r, err := Open(Options{Handle: src, Index: idx})
			if err != nil {
				return err
			}
			defer r.Close()

			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				off := rnd.Int63n(int64(len(data)))
				if _, err := r.Seek(off, io.SeekStart); err != nil {
					return err
				}
				got, err := r.ReadN(3000)
				if err != nil {
					return err
				}
				end := off + 3000
				if end > int64(len(data)) {
					end = int64(len(data))
				}
				if !bytes.Equal(data[off:end], got) {
					return fmt.Errorf("mismatch at offset %d", off)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	points := idx.Points()
	for i := 1; i < len(points); i++ {
		require.True(t, points[i].Offset > points[i-1].Offset)
		require.True(t, points[i].Bit > points[i-1].Bit)
	}
}

func TestSharedIndexConcurrentReadersMultiMember(t *testing.T) {
	f := newMultiFixture(t, 100*1024, 0, 60*1024, 0, 1, 150*1024)
	total := int64(len(f.data))

	idx, err := NewIndex(4096)
	require.NoError(t, err)
	shared := NewSource(bytes.NewReader(f.compressed))

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		seed := int64(100 + w)
		var handle any = shared
		if w%2 == 1 {
			handle = bytes.NewReader(f.compressed)
		}
		g.Go(func() error {
			r, err := Open(Options{Handle: handle, Index: idx})
			if err != nil {
				return err
			}
			defer r.Close()

			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 60; i++ {
				off := rnd.Int63n(total)
				n := rnd.Intn(20000)
				if _, err := r.Seek(off, io.SeekStart); err != nil {
					return err
				}
				got, err := r.ReadN(n)
				if err != nil {
					return err
				}
				end := off + int64(n)
				if end > total {
					end = total
				}
				if !bytes.Equal(f.data[off:end], got) {
					return fmt.Errorf("mismatch at offset %d, length %d", off, n)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, idx.ExtendAll(shared))
	length, ok := idx.Length()
	require.True(t, ok)
	assert.Equal(t, total, length)

	members := idx.Members()
	require.Len(t, members, len(f.parts))
	for i, m := range members {
		assert.True(t, m.Ended)
		assert.Equal(t, int64(len(f.parts[i])), m.Length, "member %d", i)
	}

	// Empty members share an offset with their neighbour; bits never do.
	points := idx.Points()
	for i := 1; i < len(points); i++ {
		require.True(t, points[i].Bit > points[i-1].Bit)
		require.True(t, points[i].Offset >= points[i-1].Offset)
	}
}
