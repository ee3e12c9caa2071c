package zran

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/dselans/gzseek/zran/internal/flate"
)

var (
	// ErrNoSource is returned by Open when neither a path nor a handle is given.
	ErrNoSource = errors.New("zran: one of path or handle is required")

	// ErrBothSources is returned by Open when both a path and a handle are given.
	ErrBothSources = errors.New("zran: path and handle are mutually exclusive")

	// ErrInvalidMode is returned by Open for any mode that is not a read mode.
	ErrInvalidMode = errors.New("zran: invalid mode, only read modes are supported")

	// ErrInvalidSpacing is returned by Open for an out of range index spacing.
	ErrInvalidSpacing = errors.New("zran: invalid index spacing")

	// ErrNotSeekable is returned by Open when the handle supports neither
	// io.ReaderAt nor io.ReadSeeker.
	ErrNotSeekable = errors.New("zran: handle must implement io.ReaderAt or io.ReadSeeker")

	// ErrClosed is returned by every operation on a closed Reader.
	ErrClosed = errors.New("zran: reader is closed")

	// ErrExhausted is returned by a line iterator advanced after it already
	// reported the end of the stream.
	ErrExhausted = errors.New("zran: line iterator already exhausted")

	// ErrHeader is returned when a gzip member header is invalid.
	ErrHeader = errors.New("gzip: invalid header")

	// ErrChecksum is returned when a member trailer does not match its data.
	ErrChecksum = errors.New("gzip: invalid checksum")

	// ErrTrailingGarbage is returned when non-gzip data follows the last member.
	ErrTrailingGarbage = errors.New("gzip: trailing garbage after last member")

	// ErrIndexVersion is returned by LoadIndex for an unknown index layout.
	ErrIndexVersion = errors.New("zran: unsupported index format version")

	// ErrStaleIndex is returned when an index is used with a compressed file
	// other than the one it was built from.
	ErrStaleIndex = errors.New("zran: index does not match compressed file")

	// ErrBadIndex is returned by LoadIndex for an inconsistent index.
	ErrBadIndex = errors.New("zran: corrupt index")
)

// StreamError reports malformed compressed data. Offset is the logical
// uncompressed offset up to which the stream decoded correctly.
type StreamError struct {
	Member int
	Offset int64
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("zran: malformed stream in member %d after offset %d: %v", e.Member, e.Offset, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Cause is for github.com/pkg/errors.
func (e *StreamError) Cause() error { return e.Err }

// IsMalformed reports whether err was caused by invalid or truncated gzip data.
func IsMalformed(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}

// malformed reports whether a decoding error is a property of the data rather
// than of the I/O source.
func malformed(err error) bool {
	if err == nil {
		return false
	}
	var ce flate.CorruptInputError
	switch {
	case errors.As(err, &ce):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, ErrHeader),
		errors.Is(err, ErrChecksum),
		errors.Is(err, ErrTrailingGarbage):
		return true
	}
	var ie flate.InternalError
	return errors.As(err, &ie)
}
