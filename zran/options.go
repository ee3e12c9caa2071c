package zran

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultReadAllBufSize is the chunk size used by ReadAll.
	DefaultReadAllBufSize = 64 * 1024

	// ReadMode is the only mode a Reader reports.
	ReadMode = "rb"

	lookaheadSize = 32 * 1024
)

// Options configures Open. Exactly one of Path and Handle must be set.
type Options struct {
	// Path names a gzip file that the Reader opens and owns.
	Path string

	// Handle is caller-owned compressed data: an io.ReaderAt (preferred, it is
	// read with explicit offsets), an io.ReadSeeker, or a *Source shared by
	// several Readers. The Reader never closes it.
	Handle any

	// Mode must be empty or a read mode ("r", "rb", "br").
	Mode string

	// IndexSpacing is the uncompressed distance between access points.
	// Ignored when Index is set.
	IndexSpacing int64

	// ReadAllBufSize is the chunk size used when reading to the end.
	ReadAllBufSize int

	// Index, if set, is shared with other Readers over the same data.
	Index *Index

	Logger *logrus.Entry
}

// normalizeMode maps every accepted read mode onto ReadMode.
func normalizeMode(mode string) (string, error) {
	switch mode {
	case "", "r", "rb", "br":
		return ReadMode, nil
	}
	return "", errors.Wrapf(ErrInvalidMode, "mode %q", mode)
}

// validate checks the options and fills in defaults. It performs no I/O.
func (o *Options) validate() error {
	mode, err := normalizeMode(o.Mode)
	if err != nil {
		return err
	}
	o.Mode = mode

	hasHandle := o.Handle != nil
	switch {
	case o.Path == "" && !hasHandle:
		return ErrNoSource
	case o.Path != "" && hasHandle:
		return ErrBothSources
	}

	if o.Index == nil {
		if o.IndexSpacing == 0 {
			o.IndexSpacing = DefaultSpacing
		}
		if o.IndexSpacing < MinSpacing {
			return errors.Wrapf(ErrInvalidSpacing, "spacing %d is below minimum %d", o.IndexSpacing, MinSpacing)
		}
	}

	if o.ReadAllBufSize == 0 {
		o.ReadAllBufSize = DefaultReadAllBufSize
	}
	if o.ReadAllBufSize < 0 {
		return errors.Errorf("zran: invalid read-all buffer size %d", o.ReadAllBufSize)
	}

	if o.Logger == nil {
		o.Logger = logrus.WithField("pkg", "zran")
	}

	return nil
}
