package zran

import (
	"bytes"
	"io"
)

// ReadLine reads through the next '\n' or until limit bytes have been read,
// whichever comes first. A negative limit means no limit. The trailing
// newline is kept. An empty slice and a nil error mean the end of the stream.
func (r *Reader) ReadLine(limit int) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	line := []byte{}
	if limit == 0 {
		return line, nil
	}

	for {
		if err := r.fill(); err != nil {
			if err == io.EOF {
				return line, nil
			}
			return line, err
		}

		chunk := r.buf
		if limit > 0 && len(line)+len(chunk) > limit {
			chunk = chunk[:limit-len(line)]
		}
		nl := bytes.IndexByte(chunk, '\n')
		if nl >= 0 {
			chunk = chunk[:nl+1]
		}
		line = append(line, chunk...)
		r.consume(len(chunk))

		if nl >= 0 || (limit > 0 && len(line) >= limit) {
			return line, nil
		}
	}
}

// ReadLines reads whole lines until the end of the stream or, when hint is
// positive, until the lines read so far total at least hint bytes.
func (r *Reader) ReadLines(hint int) ([][]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	var (
		lines [][]byte
		total int
	)
	for {
		line, err := r.ReadLine(-1)
		if err != nil {
			return lines, err
		}
		if len(line) == 0 {
			return lines, nil
		}
		lines = append(lines, line)
		total += len(line)
		if hint > 0 && total >= hint {
			return lines, nil
		}
	}
}

// LineIterator walks the lines of a Reader from its current position.
//
//	it := r.Lines()
//	for it.Next() {
//		use(it.Line())
//	}
//	if err := it.Err(); err != nil { ... }
type LineIterator struct {
	r    *Reader
	line []byte
	err  error
	done bool
}

// Lines returns an iterator over the remaining lines.
func (r *Reader) Lines() *LineIterator {
	return &LineIterator{r: r}
}

// Next advances to the next line. It returns false at the end of the stream
// or on error. Calling Next again after it returned false sets Err to
// ErrExhausted unless an earlier error is already recorded.
func (it *LineIterator) Next() bool {
	if it.done {
		it.line = nil
		if it.err == nil {
			it.err = ErrExhausted
		}
		return false
	}

	line, err := it.r.ReadLine(-1)
	if err != nil || len(line) == 0 {
		it.line = nil
		it.err = err
		it.done = true
		return false
	}
	it.line = line
	return true
}

// Line returns the current line, including its newline if present.
func (it *LineIterator) Line() []byte {
	return it.line
}

// Err returns the error that stopped iteration, if any.
func (it *LineIterator) Err() error {
	return it.err
}
